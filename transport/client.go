package transport

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pipeline-cache/assetcache"
)

// Client is a connection-per-call client for the transport protocol, used
// by producers/consumers that do not embed the engine directly (e.g. a
// build-pipeline uploader running against a remote assetcached).
type Client struct {
	addr string
}

// NewClient builds a Client dialing addr on every call.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// PutFile is one (kind, payload) entry in a Put call, in wire order.
type PutFile struct {
	Kind assetcache.Kind
	Size int64
	Body io.Reader
}

// Put uploads every file in files as one version under (guid, hash).
func (c *Client) Put(guid assetcache.GUID, hash assetcache.Hash, files []PutFile) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	defer conn.Close()

	specs := make([]fileSpec, len(files))
	for i, f := range files {
		specs[i] = fileSpec{Kind: f.Kind, Size: f.Size}
	}

	req := requestHeader{Op: opPut, GUID: guid.String(), Hash: hash.String(), Files: specs}
	if err := writeFrame(conn, req, nil); err != nil {
		return err
	}
	for _, f := range files {
		if _, err := io.CopyN(conn, f.Body, f.Size); err != nil {
			return fmt.Errorf("writing kind %q body: %w", f.Kind, err)
		}
	}

	var resp responseHeader
	if err := readFrameHeader(conn, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("put failed: %s", resp.Error)
	}
	return nil
}

// Get streams the currently published bytes of (kind, guid, hash) from the
// server. The caller must close the returned reader.
func (c *Client) Get(kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (io.ReadCloser, int64, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, 0, fmt.Errorf("dialing %s: %w", c.addr, err)
	}

	req := requestHeader{Op: opGet, GUID: guid.String(), Hash: hash.String(), Kind: kind}
	if err := writeFrame(conn, req, nil); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	var resp responseHeader
	if err := readFrameHeader(conn, &resp); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	if !resp.OK {
		_ = conn.Close()
		if strings.HasPrefix(resp.Error, assetcache.ErrNotFound.Error()) {
			return nil, 0, assetcache.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get failed: %s", resp.Error)
	}
	return conn, resp.Size, nil
}

// Info fetches the size of the currently published (kind, guid, hash)
// without streaming its bytes.
func (c *Client) Info(kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (int64, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return 0, fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	defer conn.Close()

	req := requestHeader{Op: opInfo, GUID: guid.String(), Hash: hash.String(), Kind: kind}
	if err := writeFrame(conn, req, nil); err != nil {
		return 0, err
	}

	var resp responseHeader
	if err := readFrameHeader(conn, &resp); err != nil {
		return 0, err
	}
	if !resp.OK {
		if strings.HasPrefix(resp.Error, assetcache.ErrNotFound.Error()) {
			return 0, assetcache.ErrNotFound
		}
		return 0, fmt.Errorf("info failed: %s", resp.Error)
	}
	return resp.Size, nil
}
