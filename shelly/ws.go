package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brutella/hc/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// the device only streams notifications to a peer that has identified itself with a src
const clientSource = "shellylock"

const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

type frame struct {
	ID     uint32          `json:"id,omitempty"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Listen follows the device's notification stream until ctx is done, reconnecting as needed
func (d *Device) Listen(ctx context.Context) {
	backoff := minBackoff
	for {
		connected, err := d.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		log.Info.Printf("shelly %s websocket: %s, retrying in %s", d.IP, err, backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (d *Device) listenOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.timeout}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("ws://%s/rpc", d.IP), nil)
	if err != nil {
		return false, errors.Wrap(err, "dial")
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	hello := frame{ID: 1, Src: clientSource, Method: "Shelly.GetStatus"}
	if err := conn.WriteJSON(hello); err != nil {
		return false, errors.Wrap(err, "write")
	}
	log.Info.Printf("listening to shelly %s", d.IP)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return true, errors.Wrap(err, "read")
		}
		d.handleFrame(&f)
	}
}

func (d *Device) handleFrame(f *frame) {
	switch {
	case f.Error != nil:
		log.Info.Printf("shelly %s: %s", d.IP, f.Error.Error())
	case f.Method == "NotifyStatus", f.Method == "NotifyFullStatus":
		d.handleStatus(f.Params)
	case f.Method == "" && len(f.Result) > 0:
		// reply to our Shelly.GetStatus
		d.handleStatus(f.Result)
	}
}
