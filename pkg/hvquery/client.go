// Package hvquery implements component B: asking the hypervisor for the
// kernel's translation base over its line-delimited JSON control
// channel, so the engine can skip the PGD Scanner when it's available.
package hvquery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// Config parameterizes the hypervisor control-channel connection.
type Config struct {
	// Endpoint is host:port, default "localhost:4445".
	Endpoint string
	// Timeout bounds the whole handshake+query round trip, default 3s.
	Timeout time.Duration
}

func _defaultConfig() Config {
	return Config{Endpoint: "localhost:4445", Timeout: 3 * time.Second}
}

func (c Config) endpoint() string {
	if c.Endpoint == "" {
		return _defaultConfig().Endpoint
	}
	return c.Endpoint
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return _defaultConfig().Timeout
	}
	return c.Timeout
}

type request struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

type kernelInfoResult struct {
	TTBR1 uint64 `json:"ttbr1"`
}

// paAlignMask masks a translation-base register value down to its
// 4 KiB-aligned physical address (bits [47:12]).
const paAlignMask = (uint64(1)<<48 - 1) &^ 0xFFF

// QueryKernelPGD performs the handshake and the single query-kernel-info
// request, returning the kernel PGD's physical address. Any transport or
// protocol failure is wrapped in ErrTransport/ErrProtocol; callers treat
// both as non-fatal and fall back to the PGD Scanner (§4.B, §7).
func QueryKernelPGD(cfg Config) (types.PA, error) {
	deadline := time.Now().Add(cfg.timeout())
	conn, err := net.DialTimeout("tcp", cfg.endpoint(), cfg.timeout())
	if err != nil {
		return 0, fmt.Errorf("%w: dial %s: %v", ErrTransport, cfg.endpoint(), err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
	}

	r := bufio.NewReader(conn)

	// QMP servers greet with a capabilities banner before anything else.
	if _, err := r.ReadString('\n'); err != nil {
		return 0, fmt.Errorf("%w: reading greeting: %v", ErrTransport, err)
	}

	if err := writeLine(conn, request{Execute: "qmp_capabilities"}); err != nil {
		return 0, err
	}
	if _, err := readLine(r); err != nil {
		return 0, err
	}

	if err := writeLine(conn, request{
		Execute:   "query-kernel-info",
		Arguments: map[string]any{"cpu-index": 0},
	}); err != nil {
		return 0, err
	}
	resp, err := readLine(r)
	if err != nil {
		return 0, err
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrProtocol, resp.Error.Class, resp.Error.Desc)
	}

	var info kernelInfoResult
	if err := json.Unmarshal(resp.Return, &info); err != nil {
		return 0, fmt.Errorf("%w: decoding query-kernel-info result: %v", ErrProtocol, err)
	}

	return types.PA(info.TTBR1 & paAlignMask), nil
}

func writeLine(conn net.Conn, req request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", ErrProtocol, err)
	}
	raw = append(raw, '\n')
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("%w: writing request: %v", ErrTransport, err)
	}
	return nil
}

func readLine(r *bufio.Reader) (response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return response{}, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	var resp response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return response{}, fmt.Errorf("%w: decoding response: %v", ErrProtocol, err)
	}
	return resp, nil
}
