package msgqueue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"shmq/internal/faults"
	"shmq/internal/metrics"
)

// Rendezvous namespaces.
const (
	NamespaceAbstract   = "abstract"
	NamespaceFilesystem = "filesystem"
)

// Release policies applied when a channel closes.
const (
	// ReleaseExplicit keeps a closed channel's segments until UNREGISTER or
	// host shutdown.
	ReleaseExplicit = "explicit"
	// ReleaseOnClose unregisters every segment a channel owned when it closes.
	ReleaseOnClose = "on_close"
)

// DefaultNamePrefix starts every generated rendezvous name.
const DefaultNamePrefix = "shmq"

// maxSocketPath is sizeof(sockaddr_un.sun_path) minus the terminator.
const maxSocketPath = 107

// Options configure a Queue.
type Options struct {
	// Address overrides the generated rendezvous address.
	Address string
	// Namespace selects NamespaceAbstract (default) or NamespaceFilesystem.
	Namespace string
	// SocketDir holds filesystem rendezvous sockets; defaults to os.TempDir.
	SocketDir  string
	NamePrefix string

	MaxChannels    int
	MaxSegmentSize uint64
	ReleasePolicy  string

	Logger *slog.Logger
	// ComponentLevels holds per-component minimum levels keyed by
	// "msgqueue" and "channels".
	ComponentLevels map[string]string
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	o.Namespace = strings.ToLower(strings.TrimSpace(o.Namespace))
	if o.Namespace == "" {
		o.Namespace = NamespaceAbstract
	}
	o.ReleasePolicy = strings.ToLower(strings.TrimSpace(o.ReleasePolicy))
	if o.ReleasePolicy == "" {
		o.ReleasePolicy = ReleaseExplicit
	}
	if strings.TrimSpace(o.NamePrefix) == "" {
		o.NamePrefix = DefaultNamePrefix
	}
	if o.SocketDir == "" {
		o.SocketDir = os.TempDir()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) validate() error {
	switch o.Namespace {
	case NamespaceAbstract, NamespaceFilesystem:
	default:
		return fmt.Errorf("unsupported rendezvous namespace %q", o.Namespace)
	}
	switch o.ReleasePolicy {
	case ReleaseExplicit, ReleaseOnClose:
	default:
		return fmt.Errorf("unsupported release policy %q", o.ReleasePolicy)
	}
	if o.MaxChannels < 0 {
		return fmt.Errorf("max channels must be non-negative")
	}
	return nil
}

// rendezvousAddress builds "@<prefix>-<uuid>" or
// "<socket_dir>/<prefix>-<uuid>.sock".
func (o Options) rendezvousAddress() (string, error) {
	address := strings.TrimSpace(o.Address)
	if address == "" {
		name := fmt.Sprintf("%s-%s", strings.TrimSpace(o.NamePrefix), uuid.NewString())
		if o.Namespace == NamespaceAbstract {
			address = "@" + name
		} else {
			address = filepath.Join(o.SocketDir, name+".sock")
		}
	}
	if len(address) > maxSocketPath {
		return "", faults.Wrap(faults.ErrTransport, "msgqueue", "address",
			fmt.Sprintf("%q is longer than %d bytes", address, maxSocketPath), nil)
	}
	return address, nil
}
