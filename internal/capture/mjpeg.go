package capture

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MJPEGDevice consumes a network camera publishing an MJPEG stream
// (multipart/x-mixed-replace). The camera is treated as an opaque
// capability: permission, availability and constraint failures are
// inferred from the transport.
type MJPEGDevice struct {
	streamURL  string
	httpClient *http.Client
}

// NewMJPEGDevice creates a device for the given stream URL.
func NewMJPEGDevice(streamURL string) *MJPEGDevice {
	return &MJPEGDevice{
		streamURL: streamURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
	}
}

// Open starts the stream. Width/height constraints are passed as query
// parameters; the zero value requests the camera default.
func (d *MJPEGDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	u, err := url.Parse(d.streamURL)
	if err != nil {
		return nil, &Error{Cause: CauseNoDevice, Err: err}
	}

	// Credentials in the camera URL are refused over a plaintext
	// connection to anything but the local host.
	if u.User != nil && u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
		return nil, &Error{
			Cause: CauseInsecureOrigin,
			Err:   fmt.Errorf("credentialed camera URL %q over insecure scheme %q", u.Host, u.Scheme),
		}
	}

	if c.Width > 0 && c.Height > 0 {
		q := u.Query()
		q.Set("width", strconv.Itoa(c.Width))
		q.Set("height", strconv.Itoa(c.Height))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Cause: CauseNoDevice, Err: err}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{
			Cause: classifyStatus(resp.StatusCode),
			Err:   fmt.Errorf("camera endpoint returned status %d", resp.StatusCode),
		}
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, &Error{
			Cause: CauseDeviceBusy,
			Err:   fmt.Errorf("camera endpoint did not return an MJPEG stream (content-type %q)", resp.Header.Get("Content-Type")),
		}
	}

	return &mjpegStream{
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

type mjpegStream struct {
	body      io.ReadCloser
	reader    *multipart.Reader
	closeOnce sync.Once
}

// Frame decodes the next JPEG part from the stream.
func (s *mjpegStream) Frame() (image.Image, error) {
	part, err := s.reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream part: %w", err)
	}
	defer part.Close()

	frame, err := jpeg.Decode(part)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return frame, nil
}

// Close releases the underlying connection. Safe to call twice.
func (s *mjpegStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
