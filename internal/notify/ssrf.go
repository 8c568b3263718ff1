package notify

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
)

// urlGuard vets tenant-supplied webhook URLs. The check runs at channel
// validation time and again before every request, so a DNS record that
// later starts resolving to an internal address is still caught.
type urlGuard struct {
	allowHTTP bool
	lookupIP  func(ctx context.Context, host string) ([]net.IP, error)
}

func newURLGuard(allowHTTP bool) *urlGuard {
	return &urlGuard{
		allowHTTP: allowHTTP,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// Cloud metadata endpoints, blocked by name and by address.
var blockedHostnames = map[string]struct{}{
	"metadata.google.internal": {},
}

var blockedAddrs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("fd00:ec2::254"),
}

// Check validates a webhook destination. Violations are permanent:
// retrying the same URL cannot make it safe.
func (g *urlGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return faults.Wrapf(faults.KindPermanent, err, "invalid webhook url")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !g.allowHTTP {
			return faults.New(faults.KindPermanent, "webhook url must use https")
		}
	default:
		return faults.Newf(faults.KindPermanent, "unsupported webhook scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return faults.New(faults.KindPermanent, "webhook url has no host")
	}
	if _, blocked := blockedHostnames[strings.ToLower(host)]; blocked {
		return faults.Newf(faults.KindPermanent, "webhook host %s is a metadata endpoint", host)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = g.lookupIP(ctx, host)
		if err != nil {
			// DNS failures are transient; the retry may hit a healthy
			// resolver.
			return faults.Wrapf(faults.KindTransient, err, "resolve webhook host %s", host)
		}
		if len(ips) == 0 {
			return faults.Newf(faults.KindPermanent, "webhook host %s resolves to nothing", host)
		}
	}

	for _, ip := range ips {
		if reason := blockedIPReason(ip); reason != "" {
			return faults.Newf(faults.KindPermanent, "webhook host %s resolves to %s address %s", host, reason, ip)
		}
	}
	return nil
}

func blockedIPReason(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsMulticast():
		return "multicast"
	}
	for _, blocked := range blockedAddrs {
		if ip.Equal(blocked) {
			return "metadata"
		}
	}
	return ""
}
