package driver

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Selector kinds: "css" is compiled with cascadia; "text" matches the
// innermost visible element whose text contains the value, ignoring case.

var (
	titleSel = cascadia.MustCompile("title")
	bodySel  = cascadia.MustCompile("body")
)

// findText returns the innermost element whose text contains needle.
func findText(root *html.Node, needle string) *html.Node {
	needle = strings.ToLower(strings.Join(strings.Fields(needle), " "))
	if needle == "" {
		return nil
	}
	var find func(*html.Node) *html.Node
	find = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && isHidden(n) {
			return nil
		}
		if n.Type != html.ElementNode && n.Type != html.DocumentNode {
			return nil
		}
		if !strings.Contains(strings.ToLower(nodeText(n)), needle) {
			return nil
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if m := find(c); m != nil {
				return m
			}
		}
		if n.Type == html.DocumentNode {
			return nil
		}
		return n
	}
	return find(root)
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func isHidden(n *html.Node) bool {
	switch n.Data {
	case "script", "style", "noscript", "template", "head":
		return true
	}
	return false
}

// nodeText returns the whitespace-compacted visible text under n. Submit
// inputs contribute their value so they can be targeted by label.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(x *html.Node) {
		switch x.Type {
		case html.TextNode:
			b.WriteString(x.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if isHidden(x) {
				return
			}
			if x.Data == "input" {
				if t := strings.ToLower(attr(x, "type")); t == "submit" || t == "button" {
					b.WriteString(attr(x, "value"))
					b.WriteByte(' ')
				}
			}
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
