/*
Copyright 2026 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ToJsonReq converts a Go object to a JSON-encoded HTTP request payload.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, e
	}
	return bytes.NewBuffer(c), nil
}

// Call makes an HTTP request and decodes the JSON response into response.
// The Content-Type header is set to application/json.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()

	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return resp, err
	}
	return resp, err
}

// CallWithRetry posts the payload to url, retrying transient failures with
// exponential backoff for at most maxElapsed. A 4xx response is returned
// immediately; retrying a rejected request buys nothing.
func CallWithRetry(url string, payload interface{}, headers map[string]string, maxElapsed time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("request to %s rejected with status %d", url, resp.StatusCode))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("request to %s failed with status %d", url, resp.StatusCode)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed
	return backoff.Retry(operation, policy)
}
