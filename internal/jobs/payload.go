package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// Job types. Each has exactly one payload variant in the envelope.
const (
	TypeResolveRef  = "resolve_ref"
	TypeCrawlSource = "crawl_source"
)

// SchemaVersion of envelopes this build writes. Older or newer versions on
// the wire are accepted (and logged), never silently misinterpreted: the
// tagged variant either decodes or validation fails.
const SchemaVersion = 1

var ErrInvalidPayload = errors.New("invalid job payload")

type ResolveRefPayload struct {
	RefID string `json:"ref_id"`
}

type CrawlSourcePayload struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// Envelope is the tagged-variant job payload. Exactly the variant named by
// Kind must be set.
type Envelope struct {
	Kind          string              `json:"kind"`
	SchemaVersion int                 `json:"schema_version"`
	ResolveRef    *ResolveRefPayload  `json:"resolve_ref,omitempty"`
	CrawlSource   *CrawlSourcePayload `json:"crawl_source,omitempty"`
}

func NewResolveRef(refID string) Envelope {
	return Envelope{
		Kind:          TypeResolveRef,
		SchemaVersion: SchemaVersion,
		ResolveRef:    &ResolveRefPayload{RefID: refID},
	}
}

func NewCrawlSource(sourceID, reason string) Envelope {
	return Envelope{
		Kind:          TypeCrawlSource,
		SchemaVersion: SchemaVersion,
		CrawlSource:   &CrawlSourcePayload{SourceID: sourceID, Reason: reason},
	}
}

// Validate checks the envelope at the queue boundary.
func (e Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		// accepted, but make the mismatch visible
		log.Printf("[jobs] envelope kind=%s has schema_version=%d (current %d)", e.Kind, e.SchemaVersion, SchemaVersion)
	}
	switch e.Kind {
	case TypeResolveRef:
		if e.ResolveRef == nil || e.ResolveRef.RefID == "" {
			return fmt.Errorf("%w: %s requires ref_id", ErrInvalidPayload, e.Kind)
		}
	case TypeCrawlSource:
		if e.CrawlSource == nil || e.CrawlSource.SourceID == "" {
			return fmt.Errorf("%w: %s requires source_id", ErrInvalidPayload, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, e.Kind)
	}
	return nil
}

func (e Envelope) encode() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
