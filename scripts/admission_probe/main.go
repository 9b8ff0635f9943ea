// Command admission_probe fires concurrent applications at a running API
// instance and reports the outcome distribution. Useful for verifying that
// a class with capacity N never ends up with more than N approved
// enrollments under load.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type outcome struct {
	Status int
	Code   string
	Body   string
	Err    error
}

type envelope struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func main() {
	var (
		base       string
		classID    string
		token      string
		applicants int
		timeout    time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&classID, "class", "", "Target class ID")
	flag.StringVar(&token, "token", "", "Bearer token (one per probe run; vary users server-side)")
	flag.IntVar(&applicants, "applicants", 50, "Number of concurrent applications")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	if classID == "" {
		log.Fatal("missing -class")
	}

	client := &http.Client{Timeout: timeout}
	url := fmt.Sprintf("%s/api/v1/classes/%s/enrollments", base, classID)

	outcomes := make([]outcome, applicants)
	var wg sync.WaitGroup
	for i := 0; i < applicants; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcomes[idx] = apply(client, url, token, fmt.Sprintf("probe-%d-%d", time.Now().UnixNano(), idx))
		}(i)
	}
	wg.Wait()

	byStatus := map[string]int{}
	errors := 0
	for _, o := range outcomes {
		if o.Err != nil {
			errors++
			continue
		}
		key := fmt.Sprintf("%d", o.Status)
		if o.Code != "" {
			key += " " + o.Code
		} else if o.Body != "" {
			key += " " + o.Body
		}
		byStatus[key]++
	}

	fmt.Printf("applicants: %d\n", applicants)
	for key, count := range byStatus {
		fmt.Printf("%-40s %d\n", key, count)
	}
	if errors > 0 {
		fmt.Printf("transport errors: %d\n", errors)
		os.Exit(1)
	}
}

func apply(client *http.Client, url, token, idempotencyKey string) outcome {
	payload, _ := json.Marshal(map[string]interface{}{
		"answers": map[string]interface{}{},
	})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return outcome{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return outcome{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome{Status: resp.StatusCode, Err: err}
	}

	var env envelope
	out := outcome{Status: resp.StatusCode}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error.Code != "" {
			out.Code = env.Error.Code
		} else {
			out.Body = env.Data.Status
		}
	}
	return out
}
