// Package extract pulls the title and hyperlinks out of an HTML document.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxLinks is the number of links kept from a page.
const MaxLinks = 25

type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

type Page struct {
	Title string `json:"title"`
	Links []Link `json:"links"`
}

// Parse returns the document title and the first MaxLinks anchors that
// carry an href, in document order.
func Parse(body []byte) (Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("[extract Parse] html.Parse: %w", err)
	}

	page := Page{Links: []Link{}}
	titleFound := false
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if !titleFound {
					page.Title = collapse(textOf(n))
					titleFound = true
				}
			case atom.A:
				if href, ok := attr(n, "href"); ok {
					page.Links = append(page.Links, Link{Text: collapse(textOf(n)), Href: href})
					if len(page.Links) == MaxLinks && titleFound {
						return false
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(doc)

	if len(page.Links) > MaxLinks {
		page.Links = page.Links[:MaxLinks]
	}
	return page, nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
