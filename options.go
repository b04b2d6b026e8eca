package rsdriver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/config"
	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/readpref"
	"github.com/nimbusdb/rsdriver/internal/wire"
)

// WriteConcern carries the w/wtimeout/j/fsync options forward without
// interpreting them (spec.md §6: "forwarded; not interpreted by the
// core"). The out-of-scope message-builder collaborator is the one
// that actually encodes these into a write command.
type WriteConcern struct {
	W        any // int (e.g. 1) or string (e.g. "majority")
	WTimeout time.Duration
	J        bool
	FSync    bool
}

// Options configures a Client (spec.md §6's configuration surface).
type Options struct {
	// Seeds is the initial endpoint list; at least one is required.
	Seeds []address.Endpoint
	// ReplicaSet is the expected set name, enforced against the
	// handshake's setName (spec.md §6). Required.
	ReplicaSet string

	MaxPoolSize       int
	WaitQueueTimeout  time.Duration
	WaitQueueMultiple float64
	ConnectTimeout    time.Duration
	SocketTimeout     time.Duration
	IdleCheckAfter    time.Duration
	TLSConfig         *tls.Config

	// ReadPreference is the default used when a call supplies none
	// (spec.md glossary "Read preference"; secondaryAcceptableLatencyMs
	// defaults to 15ms per spec.md §6).
	ReadPreference readpref.ReadPref

	// AutoStartRequest is parsed and stored but Client does not read it:
	// Send and SendWithAck run without a request bracket unless the
	// caller sets SendOptions.Req.
	AutoStartRequest bool

	WriteConcern WriteConcern

	// Codec plugs in the out-of-scope document codec collaborator
	// (spec.md §1). Defaults to wire.JSONCodec{}, a stand-in.
	Codec wire.Codec

	// RefreshInterval is the monitor's periodic refresh period; zero
	// uses monitor.DefaultRefreshInterval (30s, spec.md §4.6).
	RefreshInterval time.Duration
	// HandshakeTimeout bounds each isMaster round-trip during a
	// refresh; zero uses discover's 10s default.
	HandshakeTimeout time.Duration

	// Authenticator, if set, enables the credential cache (spec.md
	// §4.8). Nil means no authentication is attempted.
	Authenticator Authenticator
}

func (o Options) poolOptions() pool.Options {
	return pool.Options{
		MaxPoolSize:       o.MaxPoolSize,
		WaitQueueTimeout:  o.WaitQueueTimeout,
		WaitQueueMultiple: o.WaitQueueMultiple,
		ConnectTimeout:    o.ConnectTimeout,
		SocketTimeout:     o.SocketTimeout,
		IdleCheckAfter:    o.IdleCheckAfter,
		TLSConfig:         o.TLSConfig,
	}
}

func (o Options) readPreference() readpref.ReadPref {
	if o.ReadPreference.LatencyMs == 0 {
		o.ReadPreference.LatencyMs = 15
	}
	return o.ReadPreference
}

func (o Options) codec() wire.Codec {
	if o.Codec == nil {
		return wire.JSONCodec{}
	}
	return o.Codec
}

// ParseSeedList parses spec.md §6's comma-separated "host[:port],..."
// seed input form.
func ParseSeedList(s string) ([]address.Endpoint, error) {
	return address.ParseList(s)
}

// OptionsFromConfig builds Options from a loaded YAML config
// (internal/config.Config), resolving TLS material from disk and
// translating the pool/read-preference sub-sections (spec.md §6's
// configuration surface as the teacher's config.Load shape produces
// it).
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	seeds, err := parseSeeds(cfg.ReplicaSet.Seeds)
	if err != nil {
		return Options{}, errs.Wrap(errs.Configuration, "parsing replica_set.seeds", err)
	}

	opts := Options{
		Seeds:             seeds,
		ReplicaSet:        cfg.ReplicaSet.Name,
		MaxPoolSize:       cfg.Pool.MaxPoolSize,
		WaitQueueTimeout:  cfg.Pool.WaitQueueTimeout,
		WaitQueueMultiple: float64(cfg.Pool.WaitQueueMultiple),
		ConnectTimeout:    cfg.Pool.ConnectTimeout,
		SocketTimeout:     cfg.Pool.SocketTimeout,
		IdleCheckAfter:    cfg.Pool.IdleCheckAfter,
		ReadPreference: readpref.ReadPref{
			Mode:      cfg.ReadPref.ParsedMode(),
			TagSets:   cfg.ReadPref.TagSets(),
			LatencyMs: cfg.ReadPref.LatencyMs,
		},
	}

	if cfg.TLS.IsEnabled() {
		tlsCfg, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return Options{}, err
		}
		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func parseSeeds(hostPorts []string) ([]address.Endpoint, error) {
	out := make([]address.Endpoint, 0, len(hostPorts))
	for _, hp := range hostPorts {
		ep, err := address.Parse(hp)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// buildTLSConfig loads the cert/key/CA material named by a
// config.TLSConfig (spec.md §6: "any non-ssl key implies ssl=true;
// ssl_cert_reqs != NONE requires ssl_ca_certs"). cert_reqs=NONE skips
// server certificate verification entirely, matching ssl_cert_reqs'
// CERT_NONE.
func buildTLSConfig(t config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{ServerName: t.ServerName}

	if t.CertReqsNormalized() == "NONE" {
		tlsCfg.InsecureSkipVerify = true
	}

	if t.CertFile != "" || t.KeyFile != "" {
		if t.CertFile == "" || t.KeyFile == "" {
			return nil, errs.New(errs.Configuration, "tls cert_file and key_file must both be set")
		}
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, "loading TLS client certificate", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		pemBytes, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, "reading TLS CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errs.New(errs.Configuration, fmt.Sprintf("no certificates parsed from %s", t.CAFile))
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
