// Command loadtest drives a campus server with many concurrent logged-in
// clients issuing random read requests, and reports throughput and latency.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/campusnet/pkg/client"
	"github.com/aeolun/campusnet/pkg/protocol"
)

var searchWords = []string{"go", "data", "network", "computer", "structure", "programming", "systems"}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	requestsOK        atomic.Int64
	requestsFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that logged in and started running

	// Detailed failure tracking
	statusFailures atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	rateLimited    atomic.Int64

	// Connect phase failure breakdown
	connectFailed atomic.Int64
	loginFailed   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.requestsOK.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

// recordFailure classifies a failed Call
func (s *Stats) recordFailure(err error) {
	s.requestsFailed.Add(1)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.timeouts.Add(1)
	case errors.Is(err, client.ErrDisconnected), errors.Is(err, client.ErrNotConnected):
		s.disconnections.Add(1)
	default:
		if code, _ := protocol.AsStatusError(err); code == protocol.StatusTooManyRequests {
			s.rateLimited.Add(1)
		}
		s.statusFailures.Add(1)
	}
}

func (s *Stats) snapshot() (ok, failed, connErrors int64, avgResponseUs float64) {
	ok = s.requestsOK.Load()
	failed = s.requestsFailed.Load()
	connErrors = s.connectionErrors.Load()

	if ok > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(ok)
	}

	return
}

// BotClient is one simulated campus user
type BotClient struct {
	id       int
	userID   int64
	password string
	conn     *client.Connection
	stats    *Stats
	notices  atomic.Int64
}

func NewBotClient(id int, serverAddr string, userID int64, password string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, err
	}
	if debugLogger != nil {
		conn.SetLogger(log.New(debugLogger.Writer(), fmt.Sprintf("[bot %d] ", id), log.LstdFlags|log.Lmicroseconds))
	}

	bc := &BotClient{id: id, userID: userID, password: password, conn: conn, stats: stats}
	conn.SetListener(protocol.CategoryNotice, func(env *protocol.Envelope) {
		bc.notices.Add(1)
	})
	conn.SetDefaultListener(func(env *protocol.Envelope) {
		if debugLogger != nil {
			debugLogger.Printf("[bot %d] unexpected %s", id, env)
		}
	})
	return bc, nil
}

// Connect dials and logs in
func (bc *BotClient) Connect(ctx context.Context) error {
	if err := bc.conn.Connect(ctx); err != nil {
		bc.stats.connectFailed.Add(1)
		return err
	}

	env, err := protocol.Request(protocol.CategoryLoginRequest, protocol.LoginRequest{UserID: bc.userID, Password: bc.password})
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := bc.conn.Call(callCtx, env); err != nil {
		bc.stats.loginFailed.Add(1)
		return fmt.Errorf("login as %d: %w", bc.userID, err)
	}
	return nil
}

// randomRequest picks one read-only request
func randomRequest() (protocol.Category, any) {
	switch rand.Intn(5) {
	case 0:
		return protocol.CategoryBookSearchRequest, protocol.BookSearchRequest{Query: searchWords[rand.Intn(len(searchWords))]}
	case 1:
		return protocol.CategoryCourseListRequest, protocol.CourseListRequest{}
	case 2:
		return protocol.CategoryThreadListRequest, protocol.ThreadListRequest{Limit: 20}
	case 3:
		return protocol.CategoryEnrollmentListRequest, protocol.EnrollmentListRequest{}
	default:
		return protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{}
	}
}

// Run issues requests until duration elapses, then waits shutdownDelay so
// clients leave in reverse order of arrival.
func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			bc.shutdown(0, disconnectTimes)
			return
		case <-time.After(delay):
		}

		if !bc.conn.IsConnected() {
			bc.stats.recordFailure(client.ErrNotConnected)
			break
		}

		category, payload := randomRequest()
		env, err := protocol.Request(category, payload)
		if err != nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		_, err = bc.conn.Call(callCtx, env)
		cancel()

		if err != nil {
			bc.stats.recordFailure(err)
			if debugLogger != nil {
				debugLogger.Printf("[bot %d] %s failed: %v", bc.id, category, err)
			}
			continue
		}
		bc.stats.recordSuccess(time.Since(start).Microseconds())
	}

	bc.shutdown(shutdownDelay, disconnectTimes)
}

func (bc *BotClient) shutdown(delay time.Duration, disconnectTimes chan<- time.Time) {
	if delay > 0 {
		time.Sleep(delay)
	}

	if env, err := protocol.Request(protocol.CategoryLogoutRequest, nil); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		bc.conn.Call(ctx, env)
		cancel()
	}
	bc.conn.Close()

	select {
	case disconnectTimes <- time.Now():
	default:
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func parseUsers(s string) ([]int64, error) {
	var users []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(part, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		users = append(users, id)
	}
	if len(users) == 0 {
		return nil, errors.New("no user ids given")
	}
	return users, nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8888", "Server address (host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between requests")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between requests")
	usersFlag := flag.String("users", "1001,1002,2001,9001", "Comma-separated campus ids to log in as (cycled)")
	password := flag.String("password", "campus", "Password shared by the test accounts")
	flag.Parse()

	users, err := parseUsers(*usersFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (as %d accounts)", *numClients, len(users))
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				ok, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(ok) / elapsed
				avgMs := avgUs / 1000.0

				log.Printf("Stats: %d ok (%.1f/s), %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					ok, rate, failed, connErrors, avgMs, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	disconnectTimes := make(chan time.Time, *numClients)
	var firstConnect, lastDisconnect atomic.Value

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)
		userID := users[i%len(users)]

		wg.Add(1)
		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, userID, *password, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(ctx); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				if debugLogger != nil {
					debugLogger.Printf("[bot %d] connect failed: %v", id, err)
				}
				return
			}

			stats.successfulClients.Add(1)
			firstConnect.CompareAndSwap(nil, time.Now())

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %d", id, userID)
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay, disconnectTimes)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	go func() {
		for t := range disconnectTimes {
			lastDisconnect.Store(t)
		}
	}()

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)
	close(disconnectTimes)

	if first, ok := firstConnect.Load().(time.Time); ok {
		if last, ok := lastDisconnect.Load().(time.Time); ok {
			log.Printf("Total test duration: %v (expected: ~%v)",
				last.Sub(first).Round(time.Second), (*duration + rampUpDuration).Round(time.Second))
		}
	}

	// Final stats
	ok, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(ok) / duration.Seconds()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Requests ok: %d (%.1f/s)", ok, rate)
	log.Printf("Requests failed: %d", failed)
	log.Printf("  - Status failures: %d (%d rate limited)", stats.statusFailures.Load(), stats.rateLimited.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Connect failed: %d", stats.connectFailed.Load())
		log.Printf("  - Login failed: %d", stats.loginFailed.Load())
	}
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if ok > 0 {
		log.Printf("Success rate: %.1f%%", float64(ok)/float64(ok+failed)*100)
	}
}
