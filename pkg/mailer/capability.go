package mailer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"
)

// Workspace is the mail provider behind a domain.
type Workspace string

const (
	WorkspaceUnknown Workspace = ""
	WorkspaceGoogle  Workspace = "GOOGLE"
	WorkspaceM365    Workspace = "M365"
)

const googleSPF = "v=spf1 include:_spf.google.com ~all"

// errNoRecords marks a definitive empty answer, which is cached like any other.
var errNoRecords = errors.New("no records")

type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Capabilities detects a recipient's workspace from DNS. Answers are cached;
// lookup failures count as an unknown workspace and are not cached.
type Capabilities struct {
	client   exchanger
	resolver string
	cache    *expirable.LRU[string, Workspace]
	group    singleflight.Group
	log      *zap.Logger
}

// NewCapabilities creates a checker querying resolver (host:port).
func NewCapabilities(resolver string, ttl time.Duration, log *zap.Logger) *Capabilities {
	return &Capabilities{
		client:   &dns.Client{Timeout: 3 * time.Second},
		resolver: resolver,
		cache:    expirable.NewLRU[string, Workspace](4096, nil, ttl),
		log:      log,
	}
}

// SupportsInsertion assumes every Google workspace delegated insertion rights.
func (c *Capabilities) SupportsInsertion(ctx context.Context, address string) bool {
	return c.Workspace(ctx, address) == WorkspaceGoogle
}

// Workspace returns the provider hosting address's domain.
func (c *Capabilities) Workspace(ctx context.Context, address string) Workspace {
	domain, ok := domainOf(address)
	if !ok {
		return WorkspaceUnknown
	}
	if ws, ok := c.cache.Get(domain); ok {
		return ws
	}
	v, err, _ := c.group.Do(domain, func() (any, error) {
		ws, err := c.detect(ctx, domain)
		if err != nil && !errors.Is(err, errNoRecords) {
			return WorkspaceUnknown, err
		}
		c.cache.Add(domain, ws)
		return ws, nil
	})
	if err != nil {
		c.log.Warn("workspace lookup failed", zap.String("domain", domain), zap.Error(err))
		return WorkspaceUnknown
	}
	return v.(Workspace)
}

func (c *Capabilities) detect(ctx context.Context, domain string) (Workspace, error) {
	mx, err := c.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return WorkspaceUnknown, err
	}
	for _, rr := range mx {
		rec, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		host := strings.ToLower(rec.Mx)
		if strings.Contains(host, "google.com") {
			txt, err := c.query(ctx, domain, dns.TypeTXT)
			if err != nil && !errors.Is(err, errNoRecords) {
				return WorkspaceUnknown, err
			}
			for _, rr := range txt {
				if t, ok := rr.(*dns.TXT); ok && strings.Contains(strings.Join(t.Txt, ""), googleSPF) {
					return WorkspaceGoogle, nil
				}
			}
		}
		if strings.Contains(host, "protection.outlook.com") {
			return WorkspaceM365, nil
		}
	}
	return WorkspaceUnknown, nil
}

func (c *Capabilities) query(ctx context.Context, domain string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true
	resp, _, err := c.client.ExchangeContext(ctx, m, c.resolver)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, errNoRecords
	default:
		return nil, errors.New("dns query failed: " + dns.RcodeToString[resp.Rcode])
	}
	if len(resp.Answer) == 0 {
		return nil, errNoRecords
	}
	return resp.Answer, nil
}

func domainOf(address string) (string, bool) {
	at := strings.LastIndexByte(address, '@')
	if at < 0 || at == len(address)-1 {
		return "", false
	}
	domain, err := idna.Lookup.ToASCII(strings.ToLower(address[at+1:]))
	if err != nil {
		return "", false
	}
	return domain, true
}
