package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/voskhod/framesync/internal/room"
	"github.com/voskhod/framesync/pkg/protocol"
)

const quicALPN = "framesync"

// ServeQUIC accepts QUIC connections for secondary logical channels
// (Input, Bulk). Each accepted stream is one connection toward the
// coordinator; the client's first message must be AttachChannel.
func (s *Server) ServeQUIC(ctx context.Context, addr string, tlsConf *tls.Config) error {
	if tlsConf == nil {
		var err error
		tlsConf, err = devTLSConfig()
		if err != nil {
			return err
		}
	}
	tlsConf.NextProtos = []string{quicALPN}

	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer listener.Close()
	s.log.Info("quic listener ready", zap.String("addr", addr))

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return err
		}
		go s.serveQUICConn(ctx, conn)
	}
}

func (s *Server) serveQUICConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveQUICStream(ctx, conn, stream)
	}
}

func (s *Server) serveQUICStream(ctx context.Context, qc *quic.Conn, stream *quic.Stream) {
	id := room.ConnID(s.nextID.Add(1))
	conn := room.NewConn(id, qc.RemoteAddr().String(), func() {
		stream.CancelRead(0)
		_ = stream.Close()
	})
	s.coord.Inbox() <- room.Connected{Conn: conn}

	enc := json.NewEncoder(stream)
	go func() {
		for msg := range conn.Outbox() {
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
	}()

	dec := json.NewDecoder(stream)
	for {
		var msg protocol.ClientMessage
		if err := dec.Decode(&msg); err != nil {
			s.coord.Inbox() <- room.Disconnected{ID: id, Err: err}
			return
		}
		s.coord.Inbox() <- room.Packet{ID: id, Msg: msg}
	}
}

// devTLSConfig builds a self-signed certificate for deployments that
// have not provisioned one. Fine on a LAN, not on the open internet.
func devTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}, nil
}
