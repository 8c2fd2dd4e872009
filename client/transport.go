package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"github.com/chazu/jitserver/vm/dist"
	"golang.org/x/net/http2"
)

// Dialer opens compile streams.
type Dialer interface {
	Dial(ctx context.Context) (dist.Stream, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (dist.Stream, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context) (dist.Stream, error) { return f(ctx) }

// Wire protocols a ConnectDialer can speak.
const (
	ProtocolConnect = "connect"
	ProtocolGRPC    = "grpc"
)

// DialOptions configures a ConnectDialer.
type DialOptions struct {
	// Protocol is ProtocolConnect (default) or ProtocolGRPC.
	Protocol string
	// Compression selects request compression: "", "zstd", "lz4" or
	// "gzip".
	Compression string
	// PerCompilation opens a fresh connection for every compilation
	// instead of sharing one.
	PerCompilation bool
	// HTTPClient overrides the cleartext HTTP/2 client. It is used as is,
	// even with PerCompilation.
	HTTPClient connect.HTTPClient
}

// ConnectDialer opens compile streams to a server over Connect.
type ConnectDialer struct {
	url  string
	opts DialOptions

	mu     sync.Mutex
	shared *connect.Client[dist.Message, dist.Message]
	copts  []connect.ClientOption
}

// NewConnectDialer creates a dialer for the server at baseURL, for example
// "http://localhost:7707".
func NewConnectDialer(baseURL string, opts DialOptions) (*ConnectDialer, error) {
	copts, err := dist.ClientCompressionOptions(opts.Compression)
	if err != nil {
		return nil, err
	}
	copts = append(copts, connect.WithCodec(dist.Codec{}))
	switch opts.Protocol {
	case "", ProtocolConnect:
	case ProtocolGRPC:
		copts = append(copts, connect.WithGRPC())
	default:
		return nil, fmt.Errorf("client: unknown protocol %q", opts.Protocol)
	}
	return &ConnectDialer{
		url:   strings.TrimRight(baseURL, "/") + dist.CompileProcedure,
		opts:  opts,
		copts: copts,
	}, nil
}

// newH2CClient returns an HTTP/2 client over plain TCP.
func newH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func (d *ConnectDialer) client() *connect.Client[dist.Message, dist.Message] {
	if d.opts.PerCompilation && d.opts.HTTPClient == nil {
		return connect.NewClient[dist.Message, dist.Message](newH2CClient(), d.url, d.copts...)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shared == nil {
		hc := d.opts.HTTPClient
		if hc == nil {
			hc = newH2CClient()
		}
		d.shared = connect.NewClient[dist.Message, dist.Message](hc, d.url, d.copts...)
	}
	return d.shared
}

// Dial opens a bidirectional compile stream. The stream lives until it is
// closed or ctx is done.
func (d *ConnectDialer) Dial(ctx context.Context) (dist.Stream, error) {
	return &connectStream{bidi: d.client().CallBidiStream(ctx)}, nil
}

// connectStream adapts a Connect bidi stream to dist.Stream.
type connectStream struct {
	bidi *connect.BidiStreamForClient[dist.Message, dist.Message]
	once sync.Once
}

func (s *connectStream) Send(m *dist.Message) error {
	if err := s.bidi.Send(m); err != nil {
		if errors.Is(err, io.EOF) {
			// The server ended the stream; the real error comes from
			// Receive.
			_, rerr := s.bidi.Receive()
			if rerr != nil {
				return rerr
			}
		}
		return err
	}
	return nil
}

func (s *connectStream) Receive() (*dist.Message, error) {
	return s.bidi.Receive()
}

func (s *connectStream) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.bidi.CloseRequest(), s.bidi.CloseResponse())
	})
	return err
}
