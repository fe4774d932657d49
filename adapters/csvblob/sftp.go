package csvblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	defaultPoolSize   = 4
	defaultBufferSize = 32 * 1024
)

// SFTPConfig describes an SFTP endpoint.
type SFTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// PrivateKey is a PEM encoded key. It takes precedence over Password.
	PrivateKey string `yaml:"private_key"`

	// HostKey is the server key in authorized_keys format. Without it the
	// server key is not verified.
	HostKey string `yaml:"host_key"`

	// Root is prefixed to every path.
	Root string `yaml:"root"`

	// PoolSize bounds the open connections. Default: 4.
	PoolSize int `yaml:"pool_size"`

	// BufferSize is the transfer chunk size in bytes. Default: 32 KiB.
	BufferSize int `yaml:"buffer_size"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Dialer opens one SFTP session. The returned closer releases whatever the
// client runs on.
type Dialer func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTPStore is a BlobStore on an SFTP server with a bounded connection
// pool.
type SFTPStore struct {
	dial    Dialer
	root    string
	bufSize int
	logger  *slog.Logger

	sem  chan struct{}
	mu   sync.Mutex
	idle []*sftpConn
}

type sftpConn struct {
	client *sftp.Client
	closer io.Closer
}

func (c *sftpConn) close() {
	_ = c.client.Close()
	if c.closer != nil {
		_ = c.closer.Close()
	}
}

// NewSFTPStore validates cfg and returns a store dialing over SSH. No
// connection is opened before the first call.
func NewSFTPStore(cfg SFTPConfig, logger *slog.Logger) (*SFTPStore, error) {
	dial, err := sshDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewSFTPStoreWithDialer(dial, cfg, logger), nil
}

// NewSFTPStoreWithDialer returns a store using dial for new connections.
func NewSFTPStoreWithDialer(dial Dialer, cfg SFTPConfig, logger *slog.Logger) *SFTPStore {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	buf := cfg.BufferSize
	if buf <= 0 {
		buf = defaultBufferSize
	}
	return &SFTPStore{
		dial:    dial,
		root:    cfg.Root,
		bufSize: buf,
		logger:  logger.With("sftp", cfg.Host),
		sem:     make(chan struct{}, size),
	}
}

func sshDialer(cfg SFTPConfig, logger *slog.Logger) (Dialer, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("csvblob: sftp host and user are required")
	}
	var auth []ssh.AuthMethod
	switch {
	case cfg.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("csvblob: sftp private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case cfg.Password != "":
		auth = append(auth, ssh.Password(cfg.Password))
	default:
		return nil, errors.New("csvblob: sftp password or private key is required")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("csvblob: sftp host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pub)
	} else if logger != nil {
		logger.Warn("sftp host key not configured, server identity is not verified", "host", cfg.Host)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	return func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, err
		}
		sc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		sshClient := ssh.NewClient(sc, chans, reqs)
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, nil, err
		}
		return client, sshClient, nil
	}, nil
}

func (s *SFTPStore) acquire(ctx context.Context) (*sftpConn, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if n := len(s.idle); n > 0 {
		c := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	client, closer, err := s.dial(ctx)
	if err != nil {
		<-s.sem
		return nil, fmt.Errorf("csvblob: sftp dial: %w", err)
	}
	return &sftpConn{client: client, closer: closer}, nil
}

// release returns c to the pool. A connection that failed with anything
// but a file level status is dropped.
func (s *SFTPStore) release(c *sftpConn, err error) {
	defer func() { <-s.sem }()

	var status *sftp.StatusError
	if err != nil && !errors.As(err, &status) && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrNotExist) {
		s.logger.Warn("dropping sftp connection", "error", err)
		c.close()
		return
	}
	s.mu.Lock()
	s.idle = append(s.idle, c)
	s.mu.Unlock()
}

func (s *SFTPStore) with(ctx context.Context, fn func(*sftp.Client) error) error {
	c, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(c.client)
	s.release(c, err)
	return err
}

func (s *SFTPStore) abs(name string) string {
	return path.Join("/", s.root, name)
}

func (s *SFTPStore) List(ctx context.Context, dir string) ([]string, error) {
	var names []string
	err := s.with(ctx, func(c *sftp.Client) error {
		infos, err := c.ReadDir(s.abs(dir))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, fi := range infos {
			if fi.Mode().IsRegular() {
				names = append(names, fi.Name())
			}
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (s *SFTPStore) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.with(ctx, func(c *sftp.Client) error {
		f, err := c.Open(s.abs(name))
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		if err != nil {
			return err
		}
		defer f.Close()

		buf := make([]byte, s.bufSize)
		for {
			n, err := f.Read(buf)
			data = append(data, buf[:n]...)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
	return data, err
}

// Write uploads data in chunks of the configured buffer size to a
// temporary name and renames it into place.
func (s *SFTPStore) Write(ctx context.Context, name string, data []byte) error {
	return s.with(ctx, func(c *sftp.Client) error {
		target := s.abs(name)
		if err := c.MkdirAll(path.Dir(target)); err != nil {
			return err
		}
		tmp := target + ".part"
		f, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		for off := 0; off < len(data); off += s.bufSize {
			end := min(off+s.bufSize, len(data))
			if _, err := f.Write(data[off:end]); err != nil {
				_ = f.Close()
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}
		return replace(c, tmp, target)
	})
}

func (s *SFTPStore) Move(ctx context.Context, from, to string) error {
	return s.with(ctx, func(c *sftp.Client) error {
		dst := s.abs(to)
		if err := c.MkdirAll(path.Dir(dst)); err != nil {
			return err
		}
		if _, err := c.Stat(s.abs(from)); errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return replace(c, s.abs(from), dst)
	})
}

func replace(c *sftp.Client, from, to string) error {
	if _, err := c.Stat(to); err == nil {
		if err := c.Remove(to); err != nil {
			return err
		}
	}
	return c.Rename(from, to)
}

func (s *SFTPStore) MkdirAll(ctx context.Context, dir string) error {
	return s.with(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(s.abs(dir))
	})
}

// Close closes the idle connections.
func (s *SFTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.idle {
		c.close()
	}
	s.idle = nil
	return nil
}
