package browserform

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Body formats understood by the body_format option.
const (
	FormatHTML       = "html"
	FormatHTMLSource = "html_source"
	FormatMarkdown   = "markdown"
	FormatText       = "text"
)

// Markdown renders an article fragment as Markdown.
func Markdown(fragment string) (string, error) {
	return render(fragment, func(s *goquery.Selection, inline string) string {
		switch goquery.NodeName(s) {
		case "h2", "h3", "h4":
			return "## " + inline
		case "blockquote":
			return "> " + inline
		default:
			return inline
		}
	}, func(text, href string) string {
		return fmt.Sprintf("[%s](%s)", text, href)
	})
}

// PlainText renders an article fragment as text, keeping link targets visible.
func PlainText(fragment string) (string, error) {
	return render(fragment, func(_ *goquery.Selection, inline string) string {
		return inline
	}, func(text, href string) string {
		if text == "" || text == href {
			return href
		}
		return fmt.Sprintf("%s (%s)", text, href)
	})
}

type blockFunc func(s *goquery.Selection, inline string) string

type linkFunc func(text, href string) string

func render(fragment string, block blockFunc, link linkFunc) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + fragment + "</body>"))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var blocks []string
	doc.Find("body").Children().Each(func(_ int, s *goquery.Selection) {
		inline := strings.TrimSpace(inlineText(s.Nodes[0], link))
		if inline == "" {
			return
		}
		blocks = append(blocks, block(s, inline))
	})
	if len(blocks) == 0 {
		if text := strings.TrimSpace(doc.Find("body").Text()); text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}

func inlineText(n *html.Node, link linkFunc) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
		case c.Type == html.ElementNode && c.Data == "a":
			href := ""
			for _, a := range c.Attr {
				if a.Key == "href" {
					href = a.Val
				}
			}
			text := strings.TrimSpace(inlineText(c, link))
			if href == "" {
				b.WriteString(text)
				continue
			}
			b.WriteString(link(text, href))
		case c.Type == html.ElementNode && c.Data == "br":
			b.WriteString("\n")
		case c.Type == html.ElementNode:
			b.WriteString(inlineText(c, link))
		}
	}
	return b.String()
}
