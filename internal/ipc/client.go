package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Req, Resp any](c *Client, method string, req Req) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start requests the daemon to bind the queue.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartRequest, StartResponse](c, "Start", StartRequest{})
}

// Stop requests the daemon to close the queue.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopRequest, StopResponse](c, "Stop", StopRequest{})
}

// Shutdown closes the queue and asks the daemon process to exit.
func (c *Client) Shutdown() (*StopResponse, error) {
	return call[StopRequest, StopResponse](c, "Stop", StopRequest{Shutdown: true})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusRequest, StatusResponse](c, "Status", StatusRequest{})
}

// Channels lists live private channels.
func (c *Client) Channels() (*ChannelsResponse, error) {
	return call[ChannelsRequest, ChannelsResponse](c, "Channels", ChannelsRequest{})
}

// Segments lists registered shared-memory segments.
func (c *Client) Segments() (*SegmentsResponse, error) {
	return call[SegmentsRequest, SegmentsResponse](c, "Segments", SegmentsRequest{})
}

// ReleaseSegment unregisters segment id regardless of its owner.
func (c *Client) ReleaseSegment(id int32) (*ReleaseSegmentResponse, error) {
	return call[ReleaseSegmentRequest, ReleaseSegmentResponse](c, "ReleaseSegment", ReleaseSegmentRequest{ID: id})
}

// Textures lists defined textures and which of their levels hold data.
func (c *Client) Textures() (*TexturesResponse, error) {
	return call[TexturesRequest, TexturesResponse](c, "Textures", TexturesRequest{})
}

// DefineTexture creates or redefines a texture.
func (c *Client) DefineTexture(tex Texture) (*DefineTextureResponse, error) {
	return call[DefineTextureRequest, DefineTextureResponse](c, "DefineTexture", DefineTextureRequest{Texture: tex})
}
