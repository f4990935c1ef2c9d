package content

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Normalize downgrades headings to h2, turns list items into prefixed
// paragraphs and drops empty paragraphs.
func Normalize(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse article html: %w", err)
	}
	body := doc.Find("body")

	body.Find("h1, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		for _, n := range sel.Nodes {
			n.Data = "h2"
			n.DataAtom = atom.H2
		}
	})

	body.Find("ul, ol").Each(func(_ int, list *goquery.Selection) {
		ordered := goquery.NodeName(list) == "ol"
		list.ChildrenFiltered("li").Each(func(i int, item *goquery.Selection) {
			prefix := "• "
			if ordered {
				prefix = fmt.Sprintf("%d. ", i+1)
			}
			for _, n := range item.Nodes {
				n.Data = "p"
				n.DataAtom = atom.P
				n.InsertBefore(&html.Node{Type: html.TextNode, Data: prefix}, n.FirstChild)
			}
		})
		list.Contents().Unwrap()
	})

	body.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if strings.TrimSpace(sel.Text()) == "" && sel.Find("img, a").Length() == 0 {
			sel.Remove()
		}
	})

	out, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("render article html: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// stripFences removes markdown code fences models like to wrap HTML in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// plainText extracts visible text from an HTML fragment.
func plainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
