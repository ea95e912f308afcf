package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/thebeakr/desktop-agent/internal/operator"
)

const dialTimeout = 3 * time.Second

// send dials the operator socket, writes req as JSON, and decodes the
// single newline-terminated JSON response.
func send(sockPath string, req operator.Request) (operator.Response, error) {
	conn, err := net.DialTimeout("unix", sockPath, dialTimeout)
	if err != nil {
		return operator.Response{}, fmt.Errorf("connect to %s: %w (is beakr-agentd running?)", sockPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return operator.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return operator.Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return operator.Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp operator.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return operator.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("agent reported an error: %s", resp.Error)
	}
	return resp, nil
}
