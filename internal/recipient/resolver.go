// Package recipient turns operator-supplied recipient input into the
// ordered, deduplicated recipient list a campaign is created with.
package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/unclebandit/broadcast-engine/internal/model"
)

// MinPhoneDigits is the shortest normalized phone accepted.
const MinPhoneDigits = 10

func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FromPhones adapts a CRM selection. Every phone gets an empty variable list.
func FromPhones(phones []string) []model.Recipient {
	out := make([]model.Recipient, 0, len(phones))
	for _, p := range phones {
		out = append(out, model.Recipient{Phone: p, Variables: []string{}})
	}
	return out
}

// FromDelimited adapts a pasted CSV block: one recipient per line, column 0 is
// the phone and the remaining columns are positional template variables.
func FromDelimited(text string) ([]model.Recipient, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = detectDelimiter(text)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	var out []model.Recipient
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse recipients: %w", err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		vars := make([]string, 0, len(rec)-1)
		for _, v := range rec[1:] {
			vars = append(vars, strings.TrimSpace(v))
		}
		out = append(out, model.Recipient{Phone: strings.TrimSpace(rec[0]), Variables: vars})
	}
	return out, nil
}

func detectDelimiter(text string) rune {
	first, _, _ := strings.Cut(text, "\n")
	if !strings.Contains(first, ",") && strings.Contains(first, ";") {
		return ';'
	}
	return ','
}

// Resolve normalizes phones, drops the ones shorter than MinPhoneDigits and
// keeps the first occurrence of each phone, preserving source order.
func Resolve(in []model.Recipient) []model.Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]model.Recipient, 0, len(in))
	for _, rc := range in {
		phone := NormalizePhone(rc.Phone)
		if len(phone) < MinPhoneDigits {
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}
		vars := rc.Variables
		if vars == nil {
			vars = []string{}
		}
		out = append(out, model.Recipient{Phone: phone, Variables: vars})
	}
	return out
}
