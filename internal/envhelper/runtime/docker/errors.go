package docker

import (
	"context"
	"errors"
	"strings"

	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// classify maps an engine error onto the fault taxonomy. Anything the engine
// does not positively identify is treated as the runtime being unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isPortInUse(err):
		return fault.New(fault.PortConflict, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fault.New(fault.RuntimeUnavailable, op, err)
	case dockerclient.IsErrConnectionFailed(err):
		return fault.New(fault.RuntimeUnavailable, op, err)
	case errdefs.IsNotFound(err):
		return fault.New(fault.NotFound, op, err)
	case errdefs.IsConflict(err):
		return fault.New(fault.Conflict, op, err)
	case errdefs.IsInvalidParameter(err):
		return fault.New(fault.ValidationError, op, err)
	default:
		return fault.New(fault.RuntimeUnavailable, op, err)
	}
}

// classifyPull maps a failed image pull. A registry that cannot be reached
// is transient; a reference the registry rejects will not fix itself.
func classifyPull(ref string, err error) error {
	op := "pull image " + ref
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		dockerclient.IsErrConnectionFailed(err),
		errdefs.IsUnavailable(err), errdefs.IsDeadline(err), errdefs.IsSystem(err):
		return fault.New(fault.RuntimeUnavailable, op, err)
	case isTransportError(err):
		return fault.New(fault.RuntimeUnavailable, op, err)
	default:
		return fault.New(fault.ValidationError, op, err)
	}
}

func isPortInUse(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}

func isNotRunning(err error) bool {
	return errdefs.IsConflict(err) && strings.Contains(strings.ToLower(err.Error()), "is not running")
}

// isTransportError recognises registry connectivity failures reported inside
// the pull progress stream, which carry no errdefs classification.
func isTransportError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"i/o timeout",
		"connection refused",
		"connection reset",
		"no such host",
		"tls handshake timeout",
		"temporary failure in name resolution",
		"net/http: request canceled",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
