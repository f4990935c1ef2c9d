// Package telegraph publishes prepared articles through the Telegraph API.
package telegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// DefaultBaseURL is the public Telegraph API root.
const DefaultBaseURL = "https://api.telegra.ph"

// Config controls the Telegraph client.
type Config struct {
	BaseURL     string
	AccessToken string
	AuthorName  string
	ShortName   string
	HTTPClient  *http.Client
}

// Publisher creates one Telegraph page per job.
type Publisher struct {
	slug string
	cfg  Config

	mu    sync.Mutex
	token string
}

// New builds a Publisher. Descriptor options override cfg for author_name and access_token.
func New(desc promotion.AdapterDescriptor, cfg Config) *Publisher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if v := desc.Options["author_name"]; v != "" {
		cfg.AuthorName = v
	}
	if v := desc.Options["access_token"]; v != "" {
		cfg.AccessToken = v
	}
	if cfg.ShortName == "" {
		cfg.ShortName = "linkcascade"
	}
	slug := desc.Slug
	if slug == "" {
		slug = "telegraph"
	}
	return &Publisher{slug: slug, cfg: cfg, token: cfg.AccessToken}
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Publish converts the prepared article into Telegraph nodes and creates a page.
func (p *Publisher) Publish(ctx context.Context, job promotion.Job) (promotion.Result, error) {
	article := job.PreparedArticle
	if article == nil || strings.TrimSpace(article.HTML) == "" {
		return promotion.Result{}, &promotion.ContentError{Code: promotion.CodeEmptyArticle}
	}
	nodes, err := Nodes(article.HTML)
	if err != nil {
		return promotion.Result{}, &promotion.AdapterError{Code: promotion.CodeBrowserError, Network: p.slug, Err: err}
	}
	if len(nodes) == 0 {
		return promotion.Result{}, &promotion.ContentError{Code: promotion.CodeEmptyArticle}
	}
	content, err := json.Marshal(nodes)
	if err != nil {
		return promotion.Result{}, fmt.Errorf("marshal nodes: %w", err)
	}

	token, err := p.accessToken(ctx)
	if err != nil {
		return promotion.Result{}, err
	}
	title := article.Title
	if title == "" {
		title = job.Anchor
	}
	form := url.Values{}
	form.Set("access_token", token)
	form.Set("title", truncate(title, 256))
	form.Set("author_name", p.cfg.AuthorName)
	form.Set("content", string(content))
	form.Set("return_content", "false")

	var page struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if err := p.call(ctx, "createPage", form, &page); err != nil {
		return promotion.Result{}, err
	}
	if page.URL == "" {
		return promotion.Result{}, &promotion.AdapterError{Code: promotion.CodeNoURLInResponse, Network: p.slug}
	}
	return promotion.Result{
		OK:           true,
		Network:      p.slug,
		Title:        title,
		PublishedURL: page.URL,
		Verification: &promotion.Verification{SupportsLinkCheck: true, LinkURL: job.URL},
	}, nil
}

func (p *Publisher) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	form := url.Values{}
	form.Set("short_name", p.cfg.ShortName)
	form.Set("author_name", p.cfg.AuthorName)
	var account struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.call(ctx, "createAccount", form, &account); err != nil {
		return "", err
	}
	if account.AccessToken == "" {
		return "", &promotion.AdapterError{Code: promotion.CodeLoginRequired, Network: p.slug, Err: errors.New("no access token issued")}
	}
	p.token = account.AccessToken
	return p.token, nil
}

func (p *Publisher) call(ctx context.Context, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &promotion.AdapterError{Code: promotion.CodeAdapterTimeout, Network: p.slug, Err: err}
		}
		return &promotion.AdapterError{Code: promotion.CodeBrowserError, Network: p.slug, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return &promotion.AdapterError{Code: promotion.HTTPStatusCode(resp.StatusCode), Network: p.slug}
	}
	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &promotion.AdapterError{Code: promotion.CodeNoURLInResponse, Network: p.slug, Err: fmt.Errorf("decode %s: %w", method, err)}
	}
	if !decoded.OK {
		code := promotion.CodeNoURLInResponse
		if strings.Contains(decoded.Error, "ACCESS_TOKEN") {
			code = promotion.CodeLoginRequired
		}
		return &promotion.AdapterError{Code: code, Network: p.slug, Err: errors.New(decoded.Error)}
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return &promotion.AdapterError{Code: promotion.CodeNoURLInResponse, Network: p.slug, Err: fmt.Errorf("decode %s result: %w", method, err)}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Node is a Telegraph content node. A text node is encoded as a bare string.
type Node struct {
	Text     string            `json:"-"`
	Tag      string            `json:"tag,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []Node            `json:"children,omitempty"`
}

// MarshalJSON encodes text nodes as strings and elements as objects.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Tag == "" {
		return json.Marshal(n.Text)
	}
	type element Node
	return json.Marshal(element(n))
}

var allowedTags = map[atom.Atom]bool{
	atom.A: true, atom.Aside: true, atom.B: true, atom.Blockquote: true, atom.Br: true,
	atom.Code: true, atom.Em: true, atom.Figcaption: true, atom.Figure: true, atom.H3: true,
	atom.H4: true, atom.Hr: true, atom.I: true, atom.Img: true, atom.Li: true, atom.Ol: true,
	atom.P: true, atom.Pre: true, atom.S: true, atom.Strong: true, atom.U: true, atom.Ul: true,
}

// Nodes converts an HTML fragment into the Telegraph node format. Headings
// map to h3, unsupported elements are unwrapped.
func Nodes(fragment string) ([]Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	parsed, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []Node
	for _, n := range parsed {
		out = append(out, convert(n)...)
	}
	return out, nil
}

func convert(n *html.Node) []Node {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			return nil
		}
		return []Node{{Text: n.Data}}
	case html.ElementNode:
	default:
		return nil
	}

	var children []Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		children = append(children, convert(c)...)
	}
	tag := n.DataAtom
	switch tag {
	case atom.H1, atom.H2:
		tag = atom.H3
	case atom.H5, atom.H6:
		tag = atom.H4
	case atom.Script, atom.Style:
		return nil
	}
	if !allowedTags[tag] {
		return children
	}
	node := Node{Tag: tag.String(), Children: children}
	for _, a := range n.Attr {
		if a.Key == "href" || a.Key == "src" {
			if node.Attrs == nil {
				node.Attrs = make(map[string]string)
			}
			node.Attrs[a.Key] = a.Val
		}
	}
	return []Node{node}
}
