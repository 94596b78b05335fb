package plexapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// TrustedDomainSuffix names hosts whose certificates chain to the media
// server's per-device CA rather than a public one. Connections to these
// hosts skip normal chain validation.
const TrustedDomainSuffix = ".plex.direct"

type ClientOpts struct {
	BaseURL          string
	Token            string
	ClientIdentifier string
}

// Client talks to one media server. All requests carry the X-Plex auth
// headers and go through an HTTP client that trusts *.plex.direct
// certificates regardless of chain validation.
type Client struct {
	opts ClientOpts
	base *url.URL
	h    *http.Client
}

func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("server base url required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	return &Client{
		opts: opts,
		base: base,
		h:    NewTrustedHTTPClient(),
	}, nil
}

// NewTrustedHTTPClient builds an HTTP client that accepts any certificate
// presented by hosts under TrustedDomainSuffix and verifies everything else
// against the system roots.
func NewTrustedHTTPClient() *http.Client {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if strings.HasSuffix(cs.ServerName, TrustedDomainSuffix) {
				return nil
			}
			if len(cs.PeerCertificates) == 0 {
				return errors.New("no peer certificates")
			}
			opts := x509.VerifyOptions{
				DNSName:       cs.ServerName,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		},
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     cfg,
			TLSHandshakeTimeout: 15 * time.Second,
		},
	}
}

// HTTPClient exposes the underlying trust-overriding client for callers
// that issue their own requests (relay forwarding, warm-up probes).
func (c *Client) HTTPClient() *http.Client {
	return c.h
}

func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) authHeaders(req *http.Request) {
	req.Header.Set("X-Plex-Token", c.opts.Token)
	req.Header.Set("X-Plex-Client-Identifier", c.opts.ClientIdentifier)
	req.Header.Set("Accept", "application/json")
}

// Fetch GETs an absolute URL and returns body bytes plus the HTTP status.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build request")
	}
	c.authHeaders(req)
	resp, err := c.h.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "fetch")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read body")
	}
	return body, resp.StatusCode, nil
}
