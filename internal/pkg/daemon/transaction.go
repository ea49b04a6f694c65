package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/coreos/rpm-ostree/internal/pkg/upgrader"
)

// Progress is one update delivered to transaction subscribers.
type Progress struct {
	Phase   string   `json:"phase"`
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Transaction is one in-flight request on the sysroot.
type Transaction struct {
	ID        string
	Kind      string
	Title     string
	UID       uint32
	StartedAt time.Time

	cancel      context.CancelFunc
	fingerprint string

	progressCh chan Progress
	done       chan struct{}

	// set before done closes
	result *upgrader.Result
	err    error
}

func newTransaction(req *Request, uid uint32, cancel context.CancelFunc, clock func() time.Time) *Transaction {
	return &Transaction{
		ID:          uuid.New().String(),
		Kind:        req.Method,
		Title:       req.Title(),
		UID:         uid,
		StartedAt:   clock(),
		cancel:      cancel,
		fingerprint: fingerprint(req, uid),
		progressCh:  make(chan Progress, 64),
		done:        make(chan struct{}),
	}
}

// stateObservingOptions are the option keys that change what a client would
// observe; two requests are compatible only when these agree.
var stateObservingOptions = []string{
	"allow-downgrade", "cache-only", "download-only", "download-metadata-only",
	"no-pull-base", "no-overrides", "no-layering", "no-initramfs",
	"skip-purge", "dry-run", "stage", "lock-finalization",
}

// fingerprint hashes the caller identity and the state-observing request
// surface.
func fingerprint(req *Request, uid uint32) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(uid)
	_ = enc.Encode(req.Method)
	_ = enc.Encode(req.Osname)

	keys := append([]string(nil), stateObservingOptions...)
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := req.Options[k]; ok {
			_ = enc.Encode(k)
			_ = enc.Encode(v)
		}
	}
	_ = enc.Encode(req.Modifiers)
	return hex.EncodeToString(h.Sum(nil))
}

// Compatible reports whether another request may attach to this
// transaction instead of starting its own.
func (t *Transaction) Compatible(req *Request, uid uint32) bool {
	return t.fingerprint == fingerprint(req, uid)
}

// Cancel requests cooperative cancellation. After the deploy step it has no
// effect.
func (t *Transaction) Cancel() { t.cancel() }

// Progress returns the subscriber channel; it is closed when the
// transaction completes.
func (t *Transaction) Progress() <-chan Progress { return t.progressCh }

// Done returns a channel closed at completion.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Err returns the terminal error, valid after Done is closed.
func (t *Transaction) Err() error { return t.err }

// Result returns the outcome, valid after Done is closed.
func (t *Transaction) Result() *upgrader.Result { return t.result }

// emit delivers a progress update without ever blocking the worker.
func (t *Transaction) emit(p Progress) {
	select {
	case t.progressCh <- p:
	default:
	}
}

func (t *Transaction) finish(result *upgrader.Result, err error) {
	t.result = result
	t.err = err
	close(t.progressCh)
	close(t.done)
}
