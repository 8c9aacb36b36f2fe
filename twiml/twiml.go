// Package twiml converts flow instructions to TwiML and back.
package twiml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/stt"
	"github.com/agentplexus/omnivoice-callflow/tts"
)

// ContentType is the media type of rendered documents.
const ContentType = "application/xml"

// PauseElement represents a TwiML <Pause> element.
type PauseElement struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// RedirectElement represents a TwiML <Redirect> element.
type RedirectElement struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// HangupElement represents a TwiML <Hangup> element.
type HangupElement struct {
	XMLName xml.Name `xml:"Hangup"`
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Renderer serializes instructions as a TwiML <Response>.
type Renderer struct {
	say     *tts.Provider
	gather  *stt.Provider
	baseURL string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithBaseURL makes listen and redirect targets absolute. Twilio resolves
// relative targets against the webhook URL, so this is only needed behind
// proxies that rewrite paths.
func WithBaseURL(url string) Option {
	return func(r *Renderer) {
		r.baseURL = strings.TrimRight(url, "/")
	}
}

// New creates a renderer.
func New(say *tts.Provider, gather *stt.Provider, opts ...Option) *Renderer {
	r := &Renderer{say: say, gather: gather}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render returns the TwiML document for ins.
func (r *Renderer) Render(ins []flow.Instruction) ([]byte, error) {
	resp := response{Verbs: make([]any, 0, len(ins))}
	for _, in := range ins {
		switch in.Kind {
		case flow.KindSpeak:
			resp.Verbs = append(resp.Verbs, r.say.Say(in.Text, in.Voice))
		case flow.KindPause:
			resp.Verbs = append(resp.Verbs, &PauseElement{Length: in.Seconds})
		case flow.KindListen:
			resp.Verbs = append(resp.Verbs, r.gather.Gather(r.target(in.Target)))
		case flow.KindRedirect:
			resp.Verbs = append(resp.Verbs, &RedirectElement{Method: http.MethodPost, URL: r.target(in.Target)})
		case flow.KindHangup:
			resp.Verbs = append(resp.Verbs, &HangupElement{})
		default:
			return nil, fmt.Errorf("twiml: unknown instruction %q", in.Kind)
		}
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("twiml: marshal: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func (r *Renderer) target(path string) string {
	if r.baseURL == "" || strings.Contains(path, "://") {
		return path
	}
	return r.baseURL + path
}

type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Parse reads a TwiML <Response> back into instructions. A <Gather> with
// nested <Say> or <Pause> yields those instructions before the listen.
// Verbs without an instruction counterpart are rejected.
func Parse(data []byte) ([]flow.Instruction, error) {
	var root node
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, fmt.Errorf("twiml: parse: %w", err)
	}
	if root.XMLName.Local != "Response" {
		return nil, fmt.Errorf("twiml: unexpected root <%s>", root.XMLName.Local)
	}
	return parseVerbs(root.Children)
}

func parseVerbs(nodes []node) ([]flow.Instruction, error) {
	var out []flow.Instruction
	for _, n := range nodes {
		switch n.XMLName.Local {
		case "Say":
			out = append(out, flow.Speak(strings.TrimSpace(n.Text), n.attr("voice")))
		case "Pause":
			length := 1
			if v := n.attr("length"); v != "" {
				l, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("twiml: pause length %q: %w", v, err)
				}
				length = l
			}
			out = append(out, flow.Pause(length))
		case "Gather":
			nested, err := parseVerbs(n.Children)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			out = append(out, flow.Listen(n.attr("action")))
		case "Redirect":
			out = append(out, flow.Redirect(strings.TrimSpace(n.Text)))
		case "Hangup":
			out = append(out, flow.Hangup())
		default:
			return nil, fmt.Errorf("twiml: unsupported verb <%s>", n.XMLName.Local)
		}
	}
	return out, nil
}
