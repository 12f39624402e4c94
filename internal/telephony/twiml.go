package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Minimal TwiML builder for the inline answer document sent with outbound calls.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// AnswerScript describes what the callee hears after picking up.
type AnswerScript struct {
	Greeting     string
	Voice        string
	PauseSeconds int
	// Hangup ends the call after the script instead of waiting for the far end.
	Hangup bool
}

// DefaultAnswerTwiML keeps the line open for a minute so the conversation can be recorded.
func DefaultAnswerTwiML() string {
	doc, _ := RenderAnswerTwiML(AnswerScript{PauseSeconds: 60})
	return doc
}

// RenderAnswerTwiML maps an AnswerScript to TwiML.
func RenderAnswerTwiML(s AnswerScript) (string, error) {
	var r twimlResponse
	if g := strings.TrimSpace(s.Greeting); g != "" {
		r.Verbs = append(r.Verbs, twimlSay{Voice: s.Voice, Text: g})
	}
	if s.PauseSeconds > 0 {
		r.Verbs = append(r.Verbs, twimlPause{Length: s.PauseSeconds})
	}
	if s.Hangup {
		r.Verbs = append(r.Verbs, twimlHangup{})
	}
	if len(r.Verbs) == 0 {
		return "", errors.New("telephony: empty answer script")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
