// mailsink is a local stand-in for the email delivery provider. Point
// PROVIDER_URL at it during development to see outgoing mail without
// sending anything.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type message struct {
	Timestamp      string `json:"timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	ToName         string `json:"to_name,omitempty"`
	Subject        string `json:"subject"`
	HTMLBody       string `json:"html_body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type stats struct {
	Count        int64     `json:"count"`
	LastMessages []message `json:"last_messages"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	lastMessages []message
	since        time.Time
	maxStored    = 50

	// failStatus != 0 makes /send return that status, for exercising the
	// dispatcher's retry and circuit breaker paths.
	failStatus int
)

func main() {
	since = time.Now().UTC()

	addr := ":8025"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/send", sendHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/fail", failHandler)
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastMessages = nil
		failStatus = 0
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("mailsink listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func sendHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	mu.Lock()
	fail := failStatus
	mu.Unlock()
	if fail != 0 {
		w.WriteHeader(fail)
		fmt.Fprintf(w, `{"error":"injected failure %d"}`, fail)
		return
	}

	var msg message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":"invalid json"}`)
		return
	}
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	msg.IdempotencyKey = r.Header.Get("X-Mailcadence-Idempotency-Key")

	mu.Lock()
	count++
	lastMessages = append(lastMessages, msg)
	if len(lastMessages) > maxStored {
		lastMessages = lastMessages[len(lastMessages)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("mail received #%d: to=%s subject=%q key=%s", current, msg.To, msg.Subject, msg.IdempotencyKey)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

// failHandler sets the injected status: /fail?status=502 to start failing,
// /fail?status=0 to recover.
func failHandler(w http.ResponseWriter, r *http.Request) {
	status, err := strconv.Atoi(r.URL.Query().Get("status"))
	if err != nil || status < 0 {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":"status query parameter required"}`)
		return
	}

	mu.Lock()
	failStatus = status
	mu.Unlock()

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"fail_status":%d}`, status)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		LastMessages: lastMessages,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
