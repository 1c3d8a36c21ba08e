package driver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
)

const defaultMaxBytes = 2 << 20

type FetchOptions struct {
	Client    *http.Client
	UserAgent string
	Viewport  api.Viewport
	MaxBytes  int64
}

// FetchDriver is one browsing session over plain HTTP. Pages are parsed but
// never rendered: links and forms work, scripts do not run. Concurrent tasks
// each need their own FetchDriver; see New.
type FetchDriver struct {
	client   *http.Client
	ua       string
	viewport api.Viewport
	maxBytes int64

	mu   sync.Mutex
	page *page
}

type page struct {
	url       *url.URL
	status    int
	doc       *html.Node
	sha       string
	title     string
	truncated bool
	typed     map[*html.Node]string
}

func NewFetch(opts FetchOptions) *FetchDriver {
	d := &FetchDriver{client: opts.Client, ua: opts.UserAgent, viewport: opts.Viewport, maxBytes: opts.MaxBytes}
	if d.client == nil {
		d.client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.maxBytes <= 0 {
		d.maxBytes = defaultMaxBytes
	}
	return d
}

func (d *FetchDriver) Execute(ctx context.Context, s api.Step) (Outcome, error) {
	switch s.Kind {
	case api.KindWait:
		return d.wait(ctx, s)
	case api.KindScreenshot:
		return Outcome{}, callerr.Permanentf("screenshot", "the fetch driver cannot render pages")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		res any
		err error
	)
	switch s.Kind {
	case api.KindNavigate:
		res, err = d.navigate(ctx, string(s.Value))
	case api.KindClick:
		res, err = d.click(ctx, s)
	case api.KindType:
		res, err = d.typeInto(s)
	case api.KindExtract:
		res, err = d.extract(s)
	case api.KindHover, api.KindScroll:
		res, err = d.noop(s)
	default:
		err = callerr.Permanentf(string(s.Kind), "unsupported step kind")
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: res, Observation: d.observeLocked()}, nil
}

func (d *FetchDriver) Observe(ctx context.Context) (*api.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, callerr.Wrap("observe", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observeLocked(), nil
}

// Close drops the loaded page.
func (d *FetchDriver) Close() error {
	d.mu.Lock()
	d.page = nil
	d.mu.Unlock()
	return nil
}

func (d *FetchDriver) wait(ctx context.Context, s api.Step) (Outcome, error) {
	ms, err := strconv.Atoi(string(s.Value))
	if err != nil || ms <= 0 {
		return Outcome{}, callerr.Permanentf("wait", "invalid duration %q", s.Value)
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Outcome{}, callerr.Wrap("wait", ctx.Err())
	case <-t.C:
	}
	return Outcome{Result: map[string]any{"waited_ms": ms}}, nil
}

func (d *FetchDriver) current(op string) (*page, error) {
	if d.page == nil {
		return nil, callerr.Permanentf(op, "no page loaded; navigate first")
	}
	return d.page, nil
}

func (d *FetchDriver) navigate(ctx context.Context, raw string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, callerr.New(callerr.Permanent, "navigate", err)
	}
	return d.load(req)
}

func (d *FetchDriver) load(req *http.Request) (any, error) {
	if d.ua != "" {
		req.Header.Set("User-Agent", d.ua)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, callerr.Wrap("navigate", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, callerr.Wrap("navigate", err)
	}
	truncated := int64(len(body)) > d.maxBytes
	if truncated {
		body = body[:d.maxBytes]
	}
	if resp.StatusCode >= 400 {
		return nil, callerr.StatusError("navigate "+req.URL.String(), resp.StatusCode, snippet(body))
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, callerr.New(callerr.Permanent, "navigate", fmt.Errorf("parse html: %w", err))
	}
	sum := sha256.Sum256(body)
	p := &page{
		url:       resp.Request.URL,
		status:    resp.StatusCode,
		doc:       doc,
		sha:       hex.EncodeToString(sum[:]),
		truncated: truncated,
		typed:     map[*html.Node]string{},
	}
	if t := titleSel.MatchFirst(doc); t != nil {
		p.title = strings.Join(strings.Fields(textOf(t)), " ")
	}
	d.page = p
	return map[string]any{"url": p.url.String(), "status_code": p.status, "title": p.title}, nil
}

func (d *FetchDriver) click(ctx context.Context, s api.Step) (any, error) {
	p, err := d.current("click")
	if err != nil {
		return nil, err
	}
	n, err := locate(p.doc, s.Target)
	if err != nil {
		return nil, err
	}
	if s.Click != nil && s.Click.Button != "" && s.Click.Button != "left" {
		return map[string]any{"clicked": n.Data, "button": s.Click.Button, "navigated": false}, nil
	}
	target := clickable(n)
	switch {
	case target.Data == "a" && attr(target, "href") != "":
		href, err := p.url.Parse(attr(target, "href"))
		if err != nil {
			return nil, callerr.New(callerr.Permanent, "click", err)
		}
		if href.Scheme != "http" && href.Scheme != "https" {
			return map[string]any{"clicked": "a", "href": href.String(), "navigated": false}, nil
		}
		return d.navigate(ctx, href.String())
	case isSubmit(target):
		form := ancestor(target, "form")
		if form == nil {
			break
		}
		req, err := d.formRequest(ctx, p, form, target)
		if err != nil {
			return nil, err
		}
		return d.load(req)
	}
	return map[string]any{"clicked": target.Data, "navigated": false}, nil
}

func (d *FetchDriver) typeInto(s api.Step) (any, error) {
	p, err := d.current("type")
	if err != nil {
		return nil, err
	}
	n, err := locate(p.doc, s.Target)
	if err != nil {
		return nil, err
	}
	if !isTextField(n) {
		return nil, callerr.Permanentf("type", "<%s> is not a text field", n.Data)
	}
	// Without args the field is replaced; TypeArgs{Clear: false} appends.
	v := string(s.Value)
	if s.Type != nil && !s.Type.Clear {
		v = fieldValue(p, n) + v
	}
	p.typed[n] = v
	return map[string]any{"field": fieldName(n), "length": len([]rune(v))}, nil
}

func (d *FetchDriver) extract(s api.Step) (any, error) {
	p, err := d.current("extract")
	if err != nil {
		return nil, err
	}
	n, err := locate(p.doc, s.Target)
	if err != nil {
		return nil, err
	}
	if s.Extract != nil && s.Extract.Attribute != "" {
		v, ok := attrOK(n, s.Extract.Attribute)
		if !ok {
			return nil, callerr.Permanentf("extract", "<%s> has no attribute %q", n.Data, s.Extract.Attribute)
		}
		if key := strings.ToLower(s.Extract.Attribute); key == "href" || key == "src" {
			if u, err := p.url.Parse(v); err == nil {
				v = u.String()
			}
		}
		return v, nil
	}
	if isTextField(n) {
		return fieldValue(p, n), nil
	}
	return nodeText(n), nil
}

func (d *FetchDriver) noop(s api.Step) (any, error) {
	p, err := d.current(string(s.Kind))
	if err != nil {
		return nil, err
	}
	res := map[string]any{"kind": string(s.Kind)}
	if s.Target != nil {
		n, err := locate(p.doc, s.Target)
		if err != nil {
			return nil, err
		}
		res["element"] = n.Data
	}
	if s.Scroll != nil {
		res["dx"], res["dy"] = s.Scroll.DX, s.Scroll.DY
	}
	return res, nil
}

func (d *FetchDriver) formRequest(ctx context.Context, p *page, form, submitter *html.Node) (*http.Request, error) {
	values := url.Values{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			name := attr(n, "name")
			switch n.Data {
			case "input":
				typ := strings.ToLower(attr(n, "type"))
				switch typ {
				case "submit", "button", "reset", "image", "file":
				case "checkbox", "radio":
					if _, checked := attrOK(n, "checked"); checked && name != "" {
						values.Add(name, attrOr(n, "value", "on"))
					}
				default:
					if name != "" {
						values.Add(name, fieldValue(p, n))
					}
				}
			case "textarea":
				if name != "" {
					values.Add(name, fieldValue(p, n))
				}
			case "select":
				if name != "" {
					values.Add(name, selectValue(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
	if name := attr(submitter, "name"); name != "" {
		values.Add(name, attr(submitter, "value"))
	}

	action := p.url
	if a := attr(form, "action"); a != "" {
		u, err := p.url.Parse(a)
		if err != nil {
			return nil, callerr.New(callerr.Permanent, "submit", err)
		}
		action = u
	}
	target := *action
	if strings.EqualFold(attr(form, "method"), http.MethodPost) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
		if err != nil {
			return nil, callerr.New(callerr.Permanent, "submit", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	target.RawQuery = values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, callerr.New(callerr.Permanent, "submit", err)
	}
	return req, nil
}

// observeLocked summarises the current page. It never fails: with no page
// loaded it describes a blank surface.
func (d *FetchDriver) observeLocked() *api.Observation {
	obs := &api.Observation{
		Location:  "about:blank",
		Viewport:  d.viewport,
		Extra:     map[string]any{},
		Timestamp: time.Now().UTC(),
	}
	p := d.page
	if p == nil {
		obs.ContentDigest = digest("", obs.Location, counts{}, "")
		return obs
	}
	obs.Location = p.url.String()
	obs.Label = p.title
	var text string
	if body := bodySel.MatchFirst(p.doc); body != nil {
		text = nodeText(body)
	}
	obs.ContentDigest = digest(p.title, obs.Location, countElements(p.doc), text)
	obs.Extra["status_code"] = p.status
	obs.Extra["content_sha256"] = p.sha
	if len(p.typed) > 0 {
		obs.Extra["typed_fields"] = len(p.typed)
	}
	if p.truncated {
		obs.Extra["truncated"] = true
	}
	return obs
}

type counts struct{ links, buttons, inputs int }

func countElements(root *html.Node) counts {
	var c counts
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if attr(n, "href") != "" {
					c.links++
				}
			case "button":
				c.buttons++
			case "input":
				if isSubmit(n) || strings.EqualFold(attr(n, "type"), "button") || strings.EqualFold(attr(n, "type"), "reset") {
					c.buttons++
				} else if !strings.EqualFold(attr(n, "type"), "hidden") {
					c.inputs++
				}
			case "textarea", "select":
				c.inputs++
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(root)
	return c
}

func digest(title, loc string, c counts, text string) string {
	if title == "" {
		title = "(untitled)"
	}
	s := fmt.Sprintf("Page: %s at %s; elements: %d links, %d buttons, %d inputs; text: %s",
		title, loc, c.links, c.buttons, c.inputs, truncate(text, 200))
	return truncate(s, 500)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func snippet(b []byte) string {
	return truncate(strings.Join(strings.Fields(string(b)), " "), 200)
}

func clickable(n *html.Node) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		switch p.Data {
		case "a", "button":
			return p
		case "input":
			if isSubmit(p) {
				return p
			}
		}
	}
	return n
}

func isSubmit(n *html.Node) bool {
	t := strings.ToLower(attr(n, "type"))
	switch n.Data {
	case "button":
		return t == "" || t == "submit"
	case "input":
		return t == "submit" || t == "image"
	}
	return false
}

func isTextField(n *html.Node) bool {
	switch n.Data {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "", "text", "search", "email", "url", "tel", "number", "password":
			return true
		}
	}
	return false
}

func fieldValue(p *page, n *html.Node) string {
	if v, ok := p.typed[n]; ok {
		return v
	}
	if n.Data == "textarea" {
		return textOf(n)
	}
	return attr(n, "value")
}

func fieldName(n *html.Node) string {
	if v := attr(n, "name"); v != "" {
		return v
	}
	return attr(n, "id")
}

func selectValue(sel *html.Node) string {
	var first, chosen *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "option" {
			if first == nil {
				first = n
			}
			if _, ok := attrOK(n, "selected"); ok && chosen == nil {
				chosen = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	if chosen == nil {
		chosen = first
	}
	if chosen == nil {
		return ""
	}
	if v, ok := attrOK(chosen, "value"); ok {
		return v
	}
	return nodeText(chosen)
}

func ancestor(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

func attrOr(n *html.Node, key, def string) string {
	if v, ok := attrOK(n, key); ok {
		return v
	}
	return def
}

// textOf concatenates raw text children, including those of hidden elements.
func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
