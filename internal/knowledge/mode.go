package knowledge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
)

// Mode selects the request schema and response format of the retrieval
// endpoint. The two modes are fixed wire contracts, not negotiated.
type Mode int

const (
	// ModeFramed posts {messages, business_id} and reads a line-framed stream
	// where lines starting with FramePrefix carry JSON-encoded text fragments.
	ModeFramed Mode = iota
	// ModeFlat posts {message, businessId} and reads one JSON document
	// carrying the answer in a named text field.
	ModeFlat
)

// FramePrefix marks a text fragment line in a framed response.
const FramePrefix = "0:"

// maxFlatBody caps how much of a flat response document is read.
const maxFlatBody = 4 << 20

// ParseMode maps "framed" or "flat" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "framed":
		return ModeFramed, nil
	case "flat":
		return ModeFlat, nil
	}
	return ModeFramed, fmt.Errorf("unknown knowledge mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeFramed:
		return "framed"
	case ModeFlat:
		return "flat"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type framedRequest struct {
	Messages   []chatMessage `json:"messages"`
	BusinessID string        `json:"business_id,omitempty"`
}

type flatRequest struct {
	Message    string `json:"message"`
	BusinessID string `json:"businessId,omitempty"`
}

func (m Mode) requestBody(query, tenantID string) any {
	if m == ModeFlat {
		return flatRequest{Message: query, BusinessID: tenantID}
	}
	return framedRequest{
		Messages:   []chatMessage{{Role: "user", Content: query}},
		BusinessID: tenantID,
	}
}

func (m Mode) decode(body io.Reader, field string) Result {
	if m == ModeFlat {
		return decodeFlat(body, field)
	}
	return decodeFramed(body)
}

// decodeFramed concatenates every decodable fragment line in arrival order.
// A malformed line is skipped rather than failing the read: the upstream
// stream format drifts and a partial answer is still worth speaking.
func decodeFramed(body io.Reader) Result {
	var (
		answer  strings.Builder
		skipped int
	)
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if text := strings.TrimSpace(line); strings.HasPrefix(text, FramePrefix) {
			var fragment string
			if jerr := json.Unmarshal([]byte(text[len(FramePrefix):]), &fragment); jerr != nil {
				skipped++
			} else {
				answer.WriteString(fragment)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{Answer: MessageApology, Outcome: OutcomeUnreachable, Err: fmt.Errorf("read framed body: %w", err)}
		}
	}
	if skipped > 0 {
		log.Debug("knowledge: skipped malformed frame lines", "count", skipped)
	}
	if answer.Len() == 0 {
		return Result{Answer: MessageUnparseable, Outcome: OutcomeUnparseable}
	}
	return Result{Answer: answer.String(), Outcome: OutcomeAnswered}
}

func decodeFlat(body io.Reader, field string) Result {
	data, err := io.ReadAll(io.LimitReader(body, maxFlatBody))
	if err != nil {
		return Result{Answer: MessageApology, Outcome: OutcomeUnreachable, Err: fmt.Errorf("read flat body: %w", err)}
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return Result{Answer: MessageApology, Outcome: OutcomeUnreachable, Err: errors.New("decode flat body: not a JSON object")}
	}
	v := gjson.GetBytes(data, field)
	if v.Type != gjson.String || v.Str == "" {
		return Result{Answer: MessageNotFound, Outcome: OutcomeNotFound}
	}
	return Result{Answer: v.Str, Outcome: OutcomeAnswered}
}
