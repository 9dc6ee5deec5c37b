package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

type client struct {
	base string
	http *http.Client
}

func newClient(addr string, timeout time.Duration) *client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &client{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: timeout}}
}

// command posts req and decodes the reply. A failed command is not an error
// here; callers inspect Success.
func (c *client) command(req dispatch.Request) (dispatch.Response, error) {
	var resp dispatch.Response
	body, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	res, err := c.http.Post(c.base+"/api/command", "application/json", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("server answered %s", res.Status)
	}
	err = json.NewDecoder(res.Body).Decode(&resp)
	return resp, err
}

func (c *client) get(path string, out any) error {
	res, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s", res.Status)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
