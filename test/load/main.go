package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type DonorPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type DonationPayload struct {
	StudentID string       `json:"student_id"`
	Amount    string       `json:"amount"`
	Channel   string       `json:"channel"`
	Donor     DonorPayload `json:"donor"`
}

type ProcessPayload struct {
	Token string `json:"token"`
}

type LoadTestConfig struct {
	BaseURL           string
	StudentID         string
	Channel           string
	Token             string
	Amount            string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
}

type Stats struct {
	created       atomic.Int64
	completed     atomic.Int64
	declined      atomic.Int64
	errorCount    atomic.Int64
	responseTimes []float64
	mu            sync.Mutex
}

func (s *Stats) addResponseTime(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times
}

func post(client *http.Client, url string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

// donate runs one create and process round trip.
func donate(client *http.Client, config LoadTestConfig, n int64, stats *Stats) {
	start := time.Now()
	defer func() { stats.addResponseTime(time.Since(start).Seconds()) }()

	var created struct {
		ID string `json:"id"`
	}
	status, err := post(client, config.BaseURL+"/donations", DonationPayload{
		StudentID: config.StudentID,
		Amount:    config.Amount,
		Channel:   config.Channel,
		Donor:     DonorPayload{Email: fmt.Sprintf("load-%d@example.org", n), Name: "Load Test"},
	}, &created)
	if err != nil || status != http.StatusCreated || created.ID == "" {
		stats.errorCount.Add(1)
		return
	}
	stats.created.Add(1)
	if config.Channel == "bank_transfer" {
		return
	}

	var outcome struct {
		Status string `json:"status"`
	}
	status, err = post(client, config.BaseURL+"/donations/"+created.ID+"/process", ProcessPayload{Token: config.Token}, &outcome)
	switch {
	case err != nil || (status != http.StatusOK && status != http.StatusAccepted):
		stats.errorCount.Add(1)
	case outcome.Status == "completed":
		stats.completed.Add(1)
	default:
		stats.declined.Add(1)
	}
}

func worker(client *http.Client, config LoadTestConfig, stats *Stats, jobs <-chan int64, wg *sync.WaitGroup) {
	defer wg.Done()

	for n := range jobs {
		donate(client, config, n, stats)
	}
}

func calculatePercentile(times []float64, percentile float64) float64 {
	if len(times) == 0 {
		return 0
	}
	sorted := make([]float64, len(times))
	copy(sorted, times)
	sort.Float64s(sorted)

	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	config := LoadTestConfig{
		BaseURL:           strings.TrimRight(getEnvOrDefault("TARGET_URL", "http://localhost:8080/api/v1"), "/"),
		StudentID:         getEnvOrDefault("STUDENT_ID", ""),
		Channel:           getEnvOrDefault("CHANNEL", "card"),
		Token:             getEnvOrDefault("PAYMENT_TOKEN", "tok_visa"),
		Amount:            getEnvOrDefault("AMOUNT", "25.00"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 200),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 100),
	}
	if config.StudentID == "" {
		fmt.Fprintln(os.Stderr, "STUDENT_ID is required")
		os.Exit(1)
	}

	fmt.Println("Starting load test...")
	fmt.Printf("Target: %s\n", config.BaseURL)
	fmt.Printf("Channel: %s\n", config.Channel)
	fmt.Printf("Total donations: %d\n", config.RequestsPerSecond*config.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Duration: %d seconds\n", config.DurationSeconds)
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        config.ConcurrentWorkers,
			MaxIdleConnsPerHost: config.ConcurrentWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 60 * time.Second,
	}

	jobs := make(chan int64, config.RequestsPerSecond)

	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go worker(client, config, stats, jobs, &wg)
	}

	startTime := time.Now()
	totalRequests := config.RequestsPerSecond * config.DurationSeconds
	var requestsSent int64

	for i := 0; i < config.DurationSeconds && int(requestsSent) < totalRequests; i++ {
		batchStart := time.Now()

		for j := 0; j < config.RequestsPerSecond && int(requestsSent) < totalRequests; j++ {
			jobs <- requestsSent
			requestsSent++
		}

		fmt.Printf("[%ds] Created: %d | Completed: %d | Declined: %d | Errors: %d\n",
			i+1, stats.created.Load(), stats.completed.Load(), stats.declined.Load(), stats.errorCount.Load())

		if elapsed := time.Since(batchStart); elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()

	duration := time.Since(startTime).Seconds()
	created := stats.created.Load()
	errors := stats.errorCount.Load()
	total := created + errors

	times := stats.getResponseTimes()
	var avgResponseTime, minTime, maxTime float64
	if len(times) > 0 {
		sum := 0.0
		minTime, maxTime = times[0], times[0]
		for _, t := range times {
			sum += t
			minTime = min(minTime, t)
			maxTime = max(maxTime, t)
		}
		avgResponseTime = sum / float64(len(times))
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", duration)
	fmt.Printf("Donations attempted: %d\n", total)
	fmt.Printf("Created: %d\n", created)
	fmt.Printf("Completed: %d\n", stats.completed.Load())
	fmt.Printf("Declined or pending: %d\n", stats.declined.Load())
	fmt.Printf("Errors: %d\n", errors)
	if total > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(created)/float64(total)*100)
	}
	fmt.Printf("\nActual RPS: %.2f\n", float64(total)/duration)
	fmt.Printf("\nRound trip times:\n")
	fmt.Printf("  Average: %.2f ms\n", avgResponseTime*1000)
	fmt.Printf("  P50: %.2f ms\n", calculatePercentile(times, 0.50)*1000)
	fmt.Printf("  P95: %.2f ms\n", calculatePercentile(times, 0.95)*1000)
	fmt.Printf("  P99: %.2f ms\n", calculatePercentile(times, 0.99)*1000)
	fmt.Printf("  Min: %.2f ms\n", minTime*1000)
	fmt.Printf("  Max: %.2f ms\n", maxTime*1000)
}
