package inspector

import (
	"net/url"
	"regexp"
	"strings"

	"enlist/internal/models"
)

// Inspector classifies a fetched event page into a fixed set of outcomes
// and can locate its registration control. Detection is text/DOM sniffing
// and deliberately best-effort: ambiguity resolves to unknown, never to a
// guess.
type Inspector interface {
	Classify(doc string) models.Classification
	Action(pageURL, doc, actionHandle string) (Action, bool)
}

// Action is a locatable registration control: the request that triggers it.
type Action struct {
	Handle string
	Method string
	URL    string
	Fields url.Values
}

// HeuristicInspector is the default text-marker implementation. Marker
// lists are configurable so another calendar platform means other markers,
// not another orchestrator.
type HeuristicInspector struct {
	RegisteredMarkers []string
	FullMarkers       []string
	ReadyMarkers      []string
	EventMarkers      []string
}

// NewHeuristicInspector returns an inspector tuned for common calendar
// platform wording.
func NewHeuristicInspector() *HeuristicInspector {
	return &HeuristicInspector{
		RegisteredMarkers: []string{
			"you're in",
			"you are registered",
			"you're registered",
			"registration confirmed",
			"you have registered",
			"see you there",
			"your spot is confirmed",
		},
		FullMarkers: []string{
			"event is full",
			"sold out",
			"join the waitlist",
			"join waitlist",
			"at capacity",
			"no spots left",
		},
		ReadyMarkers: []string{
			">register<",
			">register now<",
			">rsvp<",
			">sign up<",
			"data-action=\"register\"",
			"one-click register",
		},
		EventMarkers: []string{
			"og:type\" content=\"event",
			"\"@type\":\"event\"",
			"itemtype=\"https://schema.org/event\"",
			"add to calendar",
			"hosted by",
			"date &amp; time",
		},
	}
}

var (
	formRe   = regexp.MustCompile(`(?is)<form[^>]*action="([^"]*(?:register|rsvp|signup)[^"]*)"[^>]*>`)
	methodRe = regexp.MustCompile(`(?is)method="([a-z]+)"`)
	inputRe  = regexp.MustCompile(`(?is)<input[^>]*name="([^"]+)"[^>]*value="([^"]*)"[^>]*>`)
)

// Classify maps the document to exactly one classification.
func (h *HeuristicInspector) Classify(doc string) models.Classification {
	lower := strings.ToLower(doc)

	if containsAny(lower, h.RegisteredMarkers) {
		return models.Classification{Type: models.PageAlreadyRegistered}
	}
	if containsAny(lower, h.FullMarkers) {
		return models.Classification{Type: models.PageEventFull}
	}
	if m := formRe.FindStringSubmatch(doc); m != nil {
		return models.Classification{Type: models.PageReadyToRegister, ActionHandle: m[1]}
	}
	if containsAny(lower, h.ReadyMarkers) {
		// A register control without a locatable form still counts as ready;
		// activation falls back to the page URL itself.
		return models.Classification{Type: models.PageReadyToRegister, ActionHandle: ""}
	}
	if !containsAny(lower, h.EventMarkers) {
		return models.Classification{Type: models.PageNotEventPage}
	}
	return models.Classification{Type: models.PageUnknown}
}

// Action resolves the registration control into a concrete request.
// When no form is locatable the control cannot be activated.
func (h *HeuristicInspector) Action(pageURL, doc, actionHandle string) (Action, bool) {
	m := formRe.FindStringSubmatch(doc)
	if m == nil {
		return Action{}, false
	}

	formTag := m[0]
	target := m[1]
	if actionHandle != "" && actionHandle != target {
		return Action{}, false
	}

	method := "POST"
	if mm := methodRe.FindStringSubmatch(formTag); mm != nil {
		method = strings.ToUpper(mm[1])
	}

	resolved, err := resolveURL(pageURL, target)
	if err != nil {
		return Action{}, false
	}

	fields := url.Values{}
	// Hidden inputs inside the form body travel with the submission.
	if idx := strings.Index(doc, formTag); idx >= 0 {
		body := doc[idx:]
		if end := strings.Index(strings.ToLower(body), "</form>"); end >= 0 {
			body = body[:end]
		}
		for _, in := range inputRe.FindAllStringSubmatch(body, -1) {
			fields.Set(in[1], in[2])
		}
	}

	return Action{Handle: target, Method: method, URL: resolved, Fields: fields}, true
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
