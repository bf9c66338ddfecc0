// Package redisstub implements just enough of the Redis wire protocol for
// hermetic tests: hash commands for the waiting-room store and pub/sub for
// the admission event bus.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	hashes   map[string]map[string]string
	subs     map[*subscriber]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type subscriber struct {
	mu       sync.Mutex
	writer   *bufio.Writer
	channels map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		hashes: make(map[string]map[string]string),
		subs:   make(map[*subscriber]struct{}),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// HashLen reports the number of fields in a hash, for test assertions.
func (s *Server) HashLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hashes[key])
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	sub := &subscriber{
		writer:   bufio.NewWriter(conn),
		channels: make(map[string]struct{}),
	}
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			sub.writeError("ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if len(sub.channels) > 0 {
				sub.writeValue([]interface{}{"pong", ""})
			} else {
				sub.writeSimpleString("PONG")
			}
		case "HELLO":
			// Force the client down to RESP2.
			sub.writeError("ERR unknown command 'hello'")
		case "AUTH":
			s.handleAuth(sub, args, &authenticated)
		case "SELECT":
			sub.writeSimpleString("OK")
		default:
			if !authenticated {
				sub.writeError("NOAUTH Authentication required.")
				continue
			}
			s.dispatch(sub, cmd, args)
		}
	}
}

func (s *Server) handleAuth(sub *subscriber, args []string, authenticated *bool) {
	password := ""
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		sub.writeError("ERR wrong number of arguments for 'auth'")
		return
	}
	if s.opts.Password == "" || password == s.opts.Password {
		*authenticated = true
		sub.writeSimpleString("OK")
		return
	}
	sub.writeError("WRONGPASS invalid username-password pair")
}

func (s *Server) dispatch(sub *subscriber, cmd string, args []string) {
	switch cmd {
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			sub.writeError("ERR wrong number of arguments for 'hset'")
			return
		}
		s.mu.Lock()
		hash := s.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			s.hashes[args[1]] = hash
		}
		var added int64
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := hash[args[i]]; !exists {
				added++
			}
			hash[args[i]] = args[i+1]
		}
		s.mu.Unlock()
		sub.writeInteger(added)
	case "HGET":
		if len(args) != 3 {
			sub.writeError("ERR wrong number of arguments for 'hget'")
			return
		}
		s.mu.Lock()
		value, ok := s.hashes[args[1]][args[2]]
		s.mu.Unlock()
		if !ok {
			sub.writeNil()
			return
		}
		sub.writeBulkString(value)
	case "HGETALL":
		if len(args) != 2 {
			sub.writeError("ERR wrong number of arguments for 'hgetall'")
			return
		}
		s.mu.Lock()
		hash := s.hashes[args[1]]
		flat := make([]interface{}, 0, len(hash)*2)
		for field, value := range hash {
			flat = append(flat, field, value)
		}
		s.mu.Unlock()
		sub.writeValue(flat)
	case "HDEL":
		if len(args) < 3 {
			sub.writeError("ERR wrong number of arguments for 'hdel'")
			return
		}
		s.mu.Lock()
		hash := s.hashes[args[1]]
		var removed int64
		for _, field := range args[2:] {
			if _, ok := hash[field]; ok {
				delete(hash, field)
				removed++
			}
		}
		s.mu.Unlock()
		sub.writeInteger(removed)
	case "DEL":
		if len(args) < 2 {
			sub.writeError("ERR wrong number of arguments for 'del'")
			return
		}
		s.mu.Lock()
		var removed int64
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				removed++
			}
		}
		s.mu.Unlock()
		sub.writeInteger(removed)
	case "SUBSCRIBE":
		if len(args) < 2 {
			sub.writeError("ERR wrong number of arguments for 'subscribe'")
			return
		}
		s.mu.Lock()
		s.subs[sub] = struct{}{}
		s.mu.Unlock()
		for _, channel := range args[1:] {
			sub.mu.Lock()
			sub.channels[channel] = struct{}{}
			count := int64(len(sub.channels))
			sub.mu.Unlock()
			sub.writeValue([]interface{}{"subscribe", channel, count})
		}
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			sub.mu.Lock()
			for channel := range sub.channels {
				channels = append(channels, channel)
			}
			sub.mu.Unlock()
		}
		for _, channel := range channels {
			sub.mu.Lock()
			delete(sub.channels, channel)
			count := int64(len(sub.channels))
			sub.mu.Unlock()
			sub.writeValue([]interface{}{"unsubscribe", channel, count})
		}
	case "PUBLISH":
		if len(args) != 3 {
			sub.writeError("ERR wrong number of arguments for 'publish'")
			return
		}
		delivered := s.publish(args[1], args[2])
		sub.writeInteger(delivered)
	default:
		sub.writeError(fmt.Sprintf("ERR unsupported command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	var delivered int64
	for _, sub := range targets {
		sub.mu.Lock()
		_, listening := sub.channels[channel]
		sub.mu.Unlock()
		if !listening {
			continue
		}
		sub.writeValue([]interface{}{"message", channel, payload})
		delivered++
	}
	return delivered
}

func (sub *subscriber) writeSimpleString(value string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "+%s\r\n", value)
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeError(msg string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "-%s\r\n", msg)
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeInteger(value int64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, ":%d\r\n", value)
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeBulkString(value string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "$%d\r\n%s\r\n", len(value), value)
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeNil() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.writer.WriteString("$-1\r\n")
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeValue(value interface{}) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	writeRESP(sub.writer, value)
	_ = sub.writer.Flush()
}

func writeRESP(w *bufio.Writer, value interface{}) {
	switch v := value.(type) {
	case string:
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case int64:
		fmt.Fprintf(w, ":%d\r\n", v)
	case int:
		fmt.Fprintf(w, ":%d\r\n", v)
	case []interface{}:
		fmt.Fprintf(w, "*%d\r\n", len(v))
		for _, item := range v {
			writeRESP(w, item)
		}
	default:
		rendered := fmt.Sprint(v)
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(rendered), rendered)
	}
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}
