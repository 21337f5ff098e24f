// Package model holds the data types shared across pipeline stages: the
// traffic capture, its sanitized form, the fingerprint, and the stub
// document that is ultimately registered with the mock server.
package model

import "time"

// Header is a single name/value pair. Traffic is carried as an ordered list
// of headers (not a map) so the ingest layer can preserve wire order and
// multi-valued headers from the tap.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is one half (request or response) of a captured HTTP exchange.
type Message struct {
	// Method/Path/QueryString/Status only apply to the side they describe;
	// zero values are ignored by the other side.
	Method      string   `json:"method,omitempty"`
	Path        string   `json:"path,omitempty"`
	QueryString string   `json:"query_string,omitempty"`
	Status      int      `json:"status,omitempty"`
	Headers     []Header `json:"headers"`
	Body        []byte   `json:"body,omitempty"`
	Charset     string   `json:"charset,omitempty"`
}

// HeaderValue returns the first value for a case-insensitive header name, and
// whether it was present.
func (m Message) HeaderValue(name string) (string, bool) {
	for _, h := range m.Headers {
		if equalFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// TrafficEvent is a single captured request/response pair as received from
// the mesh tap, before any sanitization.
type TrafficEvent struct {
	CapturedAt     time.Time         `json:"captured_at"`
	TraceID        string            `json:"trace_id"`
	Request        Message           `json:"request"`
	Response       Message           `json:"response"`
	SourceIdentity map[string]string `json:"source_identity,omitempty"`

	// Host is carried separately from the request for host-glob pre-filters;
	// it is the tap's `:authority` pseudo-header.
	Host string `json:"host,omitempty"`

	// BodyTruncated records whether the request or response body was cut to
	// body_size_limit before further processing.
	RequestBodyTruncated  bool `json:"request_body_truncated,omitempty"`
	ResponseBodyTruncated bool `json:"response_body_truncated,omitempty"`
}

// SanitizedEvent is a TrafficEvent with sensitive content redacted. It keeps
// the same shape as TrafficEvent plus a flag recording whether sanitization
// degraded to the error-sentinel path for either body.
type SanitizedEvent struct {
	TrafficEvent
	RequestSanitizeFailed  bool `json:"request_sanitize_failed,omitempty"`
	ResponseSanitizeFailed bool `json:"response_sanitize_failed,omitempty"`
}

// Fingerprint is a 32-byte SHA-256 digest computed over an event's canonical
// form (see internal/fingerprint).
type Fingerprint [32]byte

// MatchSpec is the "request" half of a mock-server stub: the rule used to
// match future requests.
type MatchSpec struct {
	Method          string             `json:"method"`
	URLPath         string             `json:"urlPath"`
	QueryParameters map[string]Matcher `json:"queryParameters,omitempty"`
	Headers         map[string]Matcher `json:"headers,omitempty"`
	BodyPatterns    []BodyPattern      `json:"bodyPatterns,omitempty"`
}

// Matcher is a single-key match expression, e.g. {"equalTo": "v"} or
// {"matches": "a|b"}.
type Matcher map[string]string

// BodyPattern is one body matcher, e.g. {"equalToJson": ...} or
// {"equalTo": "..."}.
type BodyPattern map[string]interface{}

// ResponseSpec is the canned response half of a stub.
type ResponseSpec struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	JSONBody interface{}       `json:"jsonBody,omitempty"`
	Body     string            `json:"body,omitempty"`
}

// Provenance records how and when a stub was generated.
type Provenance struct {
	GeneratedBy  string    `json:"generated_by"`
	GeneratedAt  time.Time `json:"generated_at"`
	RequestHash  string    `json:"request_hash"`
	OriginalPath string    `json:"original_path"`
}

// Stub is the canonical document emitted by the stub builder and ultimately
// registered with the mock server.
type Stub struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Request  MatchSpec    `json:"request"`
	Response ResponseSpec `json:"response"`
	Metadata Provenance   `json:"metadata"`
}

// DedupEntry is a single dedup index row.
type DedupEntry struct {
	Fingerprint string            `json:"-"`
	ProcessedAt time.Time         `json:"processed_at"`
	Hash        string            `json:"hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// QueueMessage is a single entry read back off the stub queue.
type QueueMessage struct {
	StreamID   string
	Stub       Stub
	RetryCount int
	LastError  string
	RetryAt    time.Time
}

// DLQRecord is appended to the sibling `<queue>:dlq` stream when a message
// exhausts its retry budget.
type DLQRecord struct {
	OriginalStreamID string    `json:"original_stream_id"`
	FinalError       string    `json:"final_error"`
	DLQTimestamp     time.Time `json:"dlq_timestamp"`
	OriginalPayload  Stub      `json:"original_payload"`
}

// DedupStats is the age-bucketed dedup summary exposed by the control
// surface stats endpoint.
type DedupStats struct {
	TotalTracked    int64            `json:"total_tracked"`
	ExpiredTTLCount int64            `json:"expired_ttl_count"`
	AgeBuckets      map[string]int64 `json:"age_buckets"`
}

// BackupSummary is the backup-store rollup exposed by GET /backups/summary.
type BackupSummary struct {
	TotalFiles int64           `json:"total_files"`
	TotalBytes int64           `json:"total_bytes"`
	Oldest     time.Time       `json:"oldest,omitempty"`
	Newest     time.Time       `json:"newest,omitempty"`
	ByDay      []BackupDayStat `json:"by_day"`
}

// BackupDayStat is one row of BackupSummary.ByDay.
type BackupDayStat struct {
	Day   string `json:"day"`
	Files int64  `json:"files"`
	Bytes int64  `json:"bytes"`
}
