package fetch

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/aristath/taskflow/internal/scheduler"
)

// ReachabilityName is the name of the condition attached to every fetch.
const ReachabilityName = "Reachability"

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type reachability struct {
	host     *url.URL
	resolver Resolver
}

// Reachability returns a condition satisfied when the host of u resolves to
// at least one address. A failure carries the host in its detail.
func Reachability(u *url.URL, r Resolver) scheduler.Condition {
	if r == nil {
		r = net.DefaultResolver
	}
	return &reachability{host: u, resolver: r}
}

func (c *reachability) Name() string                               { return ReachabilityName }
func (c *reachability) Dependency(*scheduler.Task) *scheduler.Task { return nil }

func (c *reachability) Evaluate(ctx context.Context, t *scheduler.Task) error {
	host := c.host.Hostname()
	fail := func(cause error) error {
		return &scheduler.ConditionError{
			Condition: ReachabilityName,
			Detail:    map[string]any{"host": host},
			Err:       cause,
		}
	}

	if host == "" {
		return fail(fmt.Errorf("no host in %q: %w", c.host.String(), ErrUnreachable))
	}
	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return fail(fmt.Errorf("%v: %w", err, ErrUnreachable))
	}
	if len(addrs) == 0 {
		return fail(ErrUnreachable)
	}
	return nil
}
