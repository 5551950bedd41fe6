package artifacts

import (
	"bytes"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/arch"
)

// Kind is the closed set of boot artifacts handled per invocation.
type Kind string

const (
	Kernel    Kind = "kernel"
	Initramfs Kind = "initramfs"
	Rootfs    Kind = "rootfs"
	Cmdline   Kind = "cmdline"
)

type kindTraits struct {
	// fetched kinds are downloaded and verified; the others are generated locally.
	fetched bool
	// image is the live artifact suffix published by CoreOS builders, %s is the architecture.
	image string
}

var kindTable = map[Kind]kindTraits{
	Kernel:    {fetched: true, image: "kernel-%s"},
	Initramfs: {fetched: true, image: "initramfs.%s.img"},
	Rootfs:    {fetched: true, image: "rootfs.%s.img"},
	Cmdline:   {},
}

// Kinds returns every artifact kind in pipeline order.
func Kinds() []Kind {
	return []Kind{Kernel, Initramfs, Rootfs, Cmdline}
}

// FetchedKinds returns the kinds that are retrieved from an artifact source.
func FetchedKinds() []Kind {
	return []Kind{Kernel, Initramfs, Rootfs}
}

// ParseKind returns the Kind for value or an error when it is not one of the known kinds.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case "initrd":
		return Initramfs, nil
	case "parm", "parmfile":
		return Cmdline, nil
	}
	if !kind.IsValid() {
		return "", &ConfigError{Reason: InvalidParameter, Field: "kind", Message: fmt.Sprintf("unknown artifact kind %q", value)}
	}
	return kind, nil
}

func (k Kind) IsValid() bool {
	_, ok := kindTable[k]
	return ok
}

// Fetched reports whether artifacts of this kind pass through download and verification.
func (k Kind) Fetched() bool {
	return kindTable[k].fetched
}

// ImageName returns the live image suffix a CoreOS builder publishes for this kind.
func (k Kind) ImageName(a arch.Architecture) string {
	traits := kindTable[k]
	if traits.image == "" {
		return ""
	}
	return fmt.Sprintf(traits.image, a)
}

func (k Kind) String() string {
	return string(k)
}

// LocationScheme distinguishes how an artifact location is resolved.
type LocationScheme string

const (
	// SchemeURI is an http(s), file:// or bare filesystem location.
	SchemeURI LocationScheme = "uri"
	// SchemeStream is an entry in builder stream metadata, resolved at fetch time.
	SchemeStream LocationScheme = "stream"
	// SchemeGenerated marks artifacts produced locally.
	SchemeGenerated LocationScheme = "generated"
)

// Location describes where an artifact's bytes come from.
type Location struct {
	Scheme LocationScheme    `json:"scheme"`
	URI    string            `json:"uri,omitempty"`
	Stream string            `json:"stream,omitempty"`
	Arch   arch.Architecture `json:"arch,omitempty"`
}

// URI returns a location pointing at a concrete URL or path.
func URI(uri string) Location {
	return Location{Scheme: SchemeURI, URI: strings.TrimSpace(uri)}
}

// StreamEntry returns a location resolved through the stream metadata published at endpoint.
func StreamEntry(endpoint, stream string, a arch.Architecture) Location {
	return Location{Scheme: SchemeStream, URI: strings.TrimRight(strings.TrimSpace(endpoint), "/"), Stream: stream, Arch: a}
}

// Generated returns the marker location used for locally produced artifacts.
func Generated() Location {
	return Location{Scheme: SchemeGenerated}
}

// IsRemote reports whether the location is fetched over HTTP(S).
func (l Location) IsRemote() bool {
	if l.Scheme == SchemeStream {
		return true
	}
	if l.Scheme != SchemeURI {
		return false
	}
	u, err := url.Parse(l.URI)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (l Location) String() string {
	switch l.Scheme {
	case SchemeStream:
		return fmt.Sprintf("%s/%s.json#%s", l.URI, l.Stream, l.Arch)
	case SchemeGenerated:
		return "generated"
	default:
		return l.URI
	}
}

// Spec describes one artifact of an invocation. Specs are values and are never mutated
// after the plan is built.
type Spec struct {
	Kind        Kind          `json:"kind"`
	Source      Location      `json:"source"`
	Expected    digest.Digest `json:"expected,omitempty"`
	Destination string        `json:"destination,omitempty"`
}

// Validate checks that the spec is internally consistent.
func (s Spec) Validate() error {
	if !s.Kind.IsValid() {
		return &ConfigError{Reason: InvalidParameter, Field: "kind", Message: fmt.Sprintf("unknown artifact kind %q", s.Kind)}
	}
	if s.Kind.Fetched() {
		if s.Source.Scheme == SchemeGenerated {
			return &ConfigError{Reason: InvalidParameter, Field: s.Kind.String(), Message: "only cmdline artifacts can be generated"}
		}
		if s.Source.URI == "" {
			return &ConfigError{Reason: InvalidParameter, Field: s.Kind.String(), Message: "source location is required"}
		}
	} else if s.Source.Scheme != SchemeGenerated {
		return &ConfigError{Reason: InvalidParameter, Field: s.Kind.String(), Message: "cmdline artifacts must be generated"}
	}
	if s.Expected != "" {
		if err := s.Expected.Validate(); err != nil {
			return &ConfigError{Reason: InvalidParameter, Field: s.Kind.String() + ".digest", Message: err.Error()}
		}
	}
	return nil
}

// Payload is the retrieved content of one artifact together with what was observed while
// retrieving it. A payload is handed from stage to stage; only the stage holding it reads it.
type Payload struct {
	Kind     Kind
	Location string
	Size     int64
	// Digest is computed over the bytes as they were retrieved.
	Digest digest.Digest
	// Declared is the digest published by builder metadata, if any.
	Declared digest.Digest

	path      string
	data      []byte
	transient bool
}

// NewFilePayload returns a payload backed by a file. Transient files are removed on Release.
func NewFilePayload(kind Kind, location, path string, size int64, observed digest.Digest, transient bool) Payload {
	return Payload{
		Kind:      kind,
		Location:  location,
		Size:      size,
		Digest:    observed,
		path:      path,
		transient: transient,
	}
}

// NewInlinePayload returns a payload held in memory.
func NewInlinePayload(kind Kind, location string, data []byte) Payload {
	cloned := append([]byte(nil), data...)
	return Payload{
		Kind:     kind,
		Location: location,
		Size:     int64(len(cloned)),
		Digest:   digest.FromBytes(cloned),
		data:     cloned,
	}
}

// WithDeclared returns a copy of p carrying the digest declared by the artifact source.
func (p Payload) WithDeclared(declared digest.Digest) Payload {
	p.Declared = declared
	return p
}

// Open returns a fresh reader over the payload content.
func (p Payload) Open() (io.ReadCloser, error) {
	if p.path != "" {
		return os.Open(p.path)
	}
	if p.data != nil {
		return io.NopCloser(bytes.NewReader(p.data)), nil
	}
	return nil, fmt.Errorf("%s payload has no content", p.Kind)
}

// Path returns the backing file, or "" for in-memory payloads.
func (p Payload) Path() string {
	return p.path
}

// Release drops transient backing storage.
func (p Payload) Release() error {
	if p.transient && p.path != "" {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// State is the position of one artifact in its pipeline.
type State string

const (
	StatePending   State = "pending"
	StateFetching  State = "fetching"
	StateVerifying State = "verifying"
	StateUploading State = "uploading"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Result is the terminal outcome for one artifact.
type Result struct {
	Kind        Kind   `json:"kind"`
	State       State  `json:"state"`
	Success     bool   `json:"success"`
	Bytes       int64  `json:"bytes"`
	Destination string `json:"destination,omitempty"`
	// FetchAttempts counts downloads, including the one repeated after a checksum mismatch.
	FetchAttempts  int      `json:"fetch_attempts,omitempty"`
	UploadAttempts int      `json:"upload_attempts,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	ErrorKind      string   `json:"error_kind,omitempty"`
	Error          string   `json:"error,omitempty"`

	Err error `json:"-"`
}

// Succeeded returns a done result.
func Succeeded(kind Kind, destination string, bytes int64) Result {
	return Result{
		Kind:        kind,
		State:       StateDone,
		Success:     true,
		Bytes:       bytes,
		Destination: destination,
	}
}

// Failed returns a failed result for err. Cancellation errors yield a cancelled result.
func Failed(kind Kind, err error) Result {
	state := StateFailed
	if IsCancellation(err) {
		state = StateCancelled
	}
	res := Result{
		Kind:      kind,
		State:     state,
		ErrorKind: ErrorKind(err),
		Err:       err,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Cancelled returns a cancelled result for a pipeline stopped because of cause.
func Cancelled(kind Kind, cause error) Result {
	res := Result{
		Kind:      kind,
		State:     StateCancelled,
		ErrorKind: ErrorKind(cause),
		Err:       cause,
	}
	if cause != nil {
		res.Error = cause.Error()
	}
	return res
}

// Attempts is the total number of stage attempts made for the artifact.
func (r Result) Attempts() int {
	return r.FetchAttempts + r.UploadAttempts
}

// RunState is the overall state of an invocation.
type RunState string

const (
	RunInitializing    RunState = "initializing"
	RunRunning         RunState = "running"
	RunSucceeded       RunState = "succeeded"
	RunPartiallyFailed RunState = "partially_failed"
	RunAborted         RunState = "aborted"
)

// SetResult aggregates the results of one invocation.
type SetResult struct {
	ID         string    `json:"id"`
	State      RunState  `json:"state"`
	Results    []Result  `json:"results"`
	Cause      string    `json:"cause,omitempty"`
	CauseKind  string    `json:"cause_kind,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Err error `json:"-"`
}

// Abort marks the set aborted because of cause.
func (s *SetResult) Abort(cause error) {
	s.State = RunAborted
	s.Err = cause
	if cause != nil {
		s.Cause = cause.Error()
		s.CauseKind = ErrorKind(cause)
	}
}

// Settle derives the final run state from the per-artifact results unless the run was aborted.
func (s *SetResult) Settle() {
	if s.State == RunAborted {
		return
	}
	for _, res := range s.Results {
		if res.State != StateDone {
			s.State = RunPartiallyFailed
			return
		}
	}
	s.State = RunSucceeded
}

// Succeeded reports whether every artifact reached done.
func (s SetResult) Succeeded() bool {
	return s.State == RunSucceeded
}

// Failed returns the kinds whose pipeline ended in failure.
func (s SetResult) Failed() []Kind {
	var kinds []Kind
	for _, res := range s.Results {
		if res.State == StateFailed {
			kinds = append(kinds, res.Kind)
		}
	}
	return kinds
}

// Result returns the result for kind.
func (s SetResult) Result(kind Kind) (Result, bool) {
	for _, res := range s.Results {
		if res.Kind == kind {
			return res, true
		}
	}
	return Result{}, false
}

// Bytes returns the total number of bytes transferred.
func (s SetResult) Bytes() int64 {
	var total int64
	for _, res := range s.Results {
		total += res.Bytes
	}
	return total
}
