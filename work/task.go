// Package work declares the fan-out unit of a job: one enricher
// invocation per recognized task kind, and the classification of its
// HTTP reply into a model.WorkResult.
package work

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/zoo/model"
)

// Task is one enricher invocation. Run never returns an error on its
// own: every transport failure or non-200 status is mapped into a
// Failure WorkResult so the coordinator's barrier logic stays uniform.
// The second return value reports whether the task actually called an
// enricher; UnsupportedWork reports false and contributes neither a
// success nor a failure to the job.
type Task interface {
	Kind() model.Kind
	Run(ctx context.Context, client *http.Client) (model.WorkResult, bool)
}

// base carries the fields common to every recognized work variant.
type base struct {
	JobKey     uint64
	ArtifactID string
	Timeout    time.Duration
	kind       model.Kind
	Endpoint   string
	Arguments  []string
}

func (b base) Kind() model.Kind { return b.kind }

// url concatenates the endpoint base, the artifact id, and each
// argument in order with no separator and no escaping.
func (b base) url() string {
	var sb strings.Builder
	sb.WriteString(b.Endpoint)
	sb.WriteString(b.ArtifactID)
	for _, arg := range b.Arguments {
		sb.WriteString(arg)
	}
	return sb.String()
}

// call performs the HTTP round trip and classifies the response into
// a Success or one of the fixed Failure descriptions below.
func (b base) call(ctx context.Context, client *http.Client) model.WorkResult {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(), nil)
	if err != nil {
		return model.NewFailure(b.kind, fmt.Sprintf("wildcard failure: %v", err), b.Arguments)
	}

	resp, err := client.Do(req)
	if err != nil {
		return model.NewFailure(b.kind, fmt.Sprintf("wildcard failure: %v", err), b.Arguments)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return model.NewFailure(b.kind, fmt.Sprintf("wildcard failure: %v", err), b.Arguments)
		}
		return model.NewSuccess(b.kind, string(body), b.Arguments, model.ResultRoutingKey(b.kind))
	case http.StatusNotFound:
		return model.NewFailure(b.kind, "Not found (File already deleted?)", b.Arguments)
	case http.StatusInternalServerError:
		return model.NewFailure(b.kind, fmt.Sprintf("%s service failed, check local logs", b.kind), b.Arguments)
	default:
		return model.NewFailure(b.kind, fmt.Sprintf("Some other code: %d", resp.StatusCode), b.Arguments)
	}
}

// New constructs the Task variant for kind. Callers should only pass
// kinds for which model.HasWorkVariant reports true; use
// NewUnsupported for anything else.
func New(kind model.Kind, jobKey uint64, artifactID, endpoint string, arguments []string, timeout time.Duration) Task {
	b := base{
		JobKey:     jobKey,
		ArtifactID: artifactID,
		Timeout:    timeout,
		kind:       kind,
		Endpoint:   endpoint,
		Arguments:  arguments,
	}
	switch kind {
	case model.KindFileMetadata:
		return MetadataWork{base: b}
	case model.KindYara:
		return YaraWork{base: b}
	case model.KindVTSample:
		return VTSampleWork{base: b}
	case model.KindAssemblyApp:
		return AssemblyAppWork{base: b}
	default:
		return NewUnsupported(kind, jobKey, artifactID, arguments)
	}
}

// MetadataWork calls the FILE_METADATA enricher.
type MetadataWork struct{ base }

func (w MetadataWork) Run(ctx context.Context, client *http.Client) (model.WorkResult, bool) {
	return w.call(ctx, client), true
}

// YaraWork calls the YARA enricher.
type YaraWork struct{ base }

func (w YaraWork) Run(ctx context.Context, client *http.Client) (model.WorkResult, bool) {
	return w.call(ctx, client), true
}

// VTSampleWork calls the VTSAMPLE enricher.
type VTSampleWork struct{ base }

func (w VTSampleWork) Run(ctx context.Context, client *http.Client) (model.WorkResult, bool) {
	return w.call(ctx, client), true
}

// AssemblyAppWork calls the ASSEMBLYAPP enricher.
type AssemblyAppWork struct{ base }

func (w AssemblyAppWork) Run(ctx context.Context, client *http.Client) (model.WorkResult, bool) {
	return w.call(ctx, client), true
}

// UnsupportedWork is recognized on the wire but has no enricher to
// call. Its timeout is fixed at 1ms and it is never actually waited
// on: Run returns immediately without touching the network.
type UnsupportedWork struct {
	kind      model.Kind
	arguments []string
}

// NewUnsupported builds an UnsupportedWork for a kind with no work
// variant: unknown kinds, plus the recognized-but-unimplemented
// HASHES and PEINFO kinds.
func NewUnsupported(kind model.Kind, _ uint64, _ string, arguments []string) UnsupportedWork {
	return UnsupportedWork{kind: kind, arguments: arguments}
}

func (w UnsupportedWork) Kind() model.Kind { return w.kind }

func (w UnsupportedWork) Run(context.Context, *http.Client) (model.WorkResult, bool) {
	return model.WorkResult{}, false
}

// UnsupportedTimeout is the fixed 1ms timeout of UnsupportedWork;
// exposed for callers that want to confirm the fixed value without
// relying on internal layout.
const UnsupportedTimeout = time.Millisecond
