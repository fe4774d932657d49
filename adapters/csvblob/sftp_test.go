package csvblob_test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/relay/adapters/csvblob"
)

// memDialer serves every connection from one in-memory SFTP file system.
func memDialer(t *testing.T, dials *atomic.Int32) csvblob.Dialer {
	handlers := sftp.InMemHandler()
	return func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		dials.Add(1)
		serverConn, clientConn := net.Pipe()
		server := sftp.NewRequestServer(serverConn, handlers)
		go func() { _ = server.Serve() }()

		client, err := sftp.NewClientPipe(clientConn, clientConn)
		if err != nil {
			return nil, nil, err
		}
		t.Cleanup(func() { _ = server.Close() })
		return client, clientConn, nil
	}
}

func TestSFTPStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	var dials atomic.Int32
	store := csvblob.NewSFTPStoreWithDialer(memDialer(t, &dials), csvblob.SFTPConfig{PoolSize: 2, BufferSize: 8}, nil)
	defer store.Close()

	c, err := csvblob.New(store, csvblob.Config{})
	require.NoError(t, err)

	records := []map[string]string{
		{"Name": "Ada", "City": "London"},
		{"Name": "Grace", "City": "Arlington"},
	}
	require.NoError(t, c.Write(ctx, instance+"/incoming", []string{"Name", "City"}, records))

	headers, got, err := c.Read(ctx, instance+"/incoming")
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "City"}, headers)
	assert.Equal(t, records, got)

	require.NoError(t, c.CommitRead(ctx, instance+"/incoming"))
	processed, err := store.List(ctx, instance+"/processed")
	require.NoError(t, err)
	assert.Len(t, processed, 1)

	incoming, err := store.List(ctx, instance+"/incoming")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	assert.LessOrEqual(t, dials.Load(), int32(2), "connections are pooled")
}

func TestSFTPStoreMissing(t *testing.T) {
	var dials atomic.Int32
	store := csvblob.NewSFTPStoreWithDialer(memDialer(t, &dials), csvblob.SFTPConfig{}, nil)
	defer store.Close()

	names, err := store.List(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = store.Read(context.Background(), "nowhere/x.csv")
	assert.ErrorIs(t, err, csvblob.ErrNotExist)
	assert.Equal(t, int32(1), dials.Load(), "file errors keep the connection")
}

func TestNewSFTPStoreValidates(t *testing.T) {
	_, err := csvblob.NewSFTPStore(csvblob.SFTPConfig{Host: "sftp.example.com"}, nil)
	assert.Error(t, err)

	_, err = csvblob.NewSFTPStore(csvblob.SFTPConfig{Host: "sftp.example.com", User: "relay"}, nil)
	assert.Error(t, err, "credentials are required")

	_, err = csvblob.NewSFTPStore(csvblob.SFTPConfig{Host: "sftp.example.com", User: "relay", Password: "pw"}, nil)
	assert.NoError(t, err)
}
