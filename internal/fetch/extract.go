package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose subtree never contributes readable text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Iframe: true, atom.Svg: true, atom.Head: true,
	atom.Nav: true, atom.Header: true, atom.Footer: true,
	atom.Form: true, atom.Button: true,
}

// Elements that start a new paragraph.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Aside: true, atom.Blockquote: true, atom.Pre: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Table: true, atom.Tr: true,
	atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Figure: true, atom.Hr: true, atom.Br: true,
}

type extractor struct {
	title string
	paras []string
	cur   []string
}

// extract returns the document title and its visible text, one
// paragraph per block element.
func extract(body []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", strings.Join(strings.Fields(string(body)), " ")
	}
	e := &extractor{}
	e.walk(doc)
	e.flush()
	return e.title, strings.Join(e.paras, "\n\n")
}

func (e *extractor) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		if n.DataAtom == atom.Head {
			e.findTitle(n)
			return
		}
		if skipped[n.DataAtom] {
			return
		}
		if blocks[n.DataAtom] {
			e.flush()
			defer e.flush()
		}
	}
	if n.Type == html.TextNode {
		if words := strings.Fields(n.Data); len(words) > 0 {
			e.cur = append(e.cur, words...)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}
}

func (e *extractor) findTitle(n *html.Node) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
		e.title = strings.TrimSpace(n.FirstChild.Data)
		return
	}
	for c := n.FirstChild; c != nil && e.title == ""; c = c.NextSibling {
		e.findTitle(c)
	}
}

func (e *extractor) flush() {
	if len(e.cur) == 0 {
		return
	}
	e.paras = append(e.paras, strings.Join(e.cur, " "))
	e.cur = e.cur[:0]
}
