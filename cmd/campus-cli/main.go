// Command campus-cli connects to a campus server, logs in, issues one request
// and prints the reply as JSON.
//
//	campus-cli -user 1001 books "go programming"
//	campus-cli -user 2001 -server ws://localhost:8080/ws user 1002
//	campus-cli -user 1001 watch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/campusnet/pkg/client"
	"github.com/aeolun/campusnet/pkg/protocol"
)

const usage = `usage: campus-cli [flags] <command> [args]

commands:
  ping                      send a heartbeat
  whoami                    show the logged-in account
  user <id>                 show another account (staff only)
  books [query]             search the library
  borrow <book-id>          borrow a book
  return <book-id>          return a book
  courses [query]           list courses
  enroll <course-id>        enroll in a course
  enrollments               list your courses
  threads                   list forum threads
  post <title> [body]       start a forum thread
  order <product-id> <qty>  buy from the campus store
  orders                    list your orders
  watch                     print notices until interrupted
`

type options struct {
	userID   int64
	password string
	timeout  time.Duration
}

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to client config file")
	serverAddr := flag.String("server", "", "Server address (overrides config)")
	userID := flag.Int64("user", 0, "Campus id to log in as (0 = anonymous)")
	password := flag.String("password", "", "Password (default $CAMPUS_PASSWORD)")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	verbose := flag.Bool("v", false, "Log connection events to stderr")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	config, err := client.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *serverAddr != "" {
		config.Server.Host = *serverAddr
	}

	conn, err := config.NewConnection()
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	if *verbose {
		conn.SetLogger(log.New(os.Stderr, "[conn] ", log.LstdFlags|log.Lmicroseconds))
	}

	if *password == "" {
		*password = os.Getenv("CAMPUS_PASSWORD")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{userID: *userID, password: *password, timeout: *timeout}
	err = run(ctx, conn, opts, flag.Args(), os.Stdout)
	conn.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "campus-cli: %v\n", err)
		os.Exit(1)
	}
}

// run connects, logs in when a user is given, and executes one command
func run(ctx context.Context, conn client.ConnectionInterface, opts options, args []string, out io.Writer) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}

	// Server pushes are printed as they arrive
	conn.SetDefaultListener(func(env *protocol.Envelope) {
		printEnvelope(out, env)
	})

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	if opts.userID != 0 {
		if _, err := call(ctx, conn, opts, protocol.CategoryLoginRequest, protocol.LoginRequest{
			UserID:   opts.userID,
			Password: opts.password,
		}); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	if cmd.category == protocol.CategoryNone {
		return watch(ctx, conn)
	}

	reply, err := call(ctx, conn, opts, cmd.category, cmd.payload)
	if reply != nil {
		printEnvelope(out, reply)
	}
	if err != nil {
		return err
	}

	if opts.userID != 0 {
		// Best effort; the server cleans up on disconnect anyway
		call(ctx, conn, opts, protocol.CategoryLogoutRequest, nil)
	}
	return nil
}

func call(ctx context.Context, conn client.ConnectionInterface, opts options, category protocol.Category, payload any) (*protocol.Envelope, error) {
	env, err := protocol.Request(category, payload)
	if err != nil {
		return nil, err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	return conn.Call(ctx, env)
}

// watch blocks until ctx is done or the server goes away
func watch(ctx context.Context, conn client.ConnectionInterface) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !conn.IsConnected() {
				return errors.New("connection closed by server")
			}
		}
	}
}

type command struct {
	category protocol.Category // CategoryNone = watch
	payload  any
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command")
	}
	name, rest := args[0], args[1:]

	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s: expected %d argument(s)", name, n)
		}
		return nil
	}
	id := func(i int) (int64, error) {
		v, err := strconv.ParseInt(rest[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", name, rest[i])
		}
		return v, nil
	}

	switch name {
	case "ping":
		return command{protocol.CategoryHeartbeat, nil}, nil
	case "whoami":
		return command{protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{}}, nil
	case "user":
		if err := need(1); err != nil {
			return command{}, err
		}
		uid, err := id(0)
		if err != nil {
			return command{}, err
		}
		return command{protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{UserID: &uid}}, nil
	case "books":
		return command{protocol.CategoryBookSearchRequest, protocol.BookSearchRequest{Query: strings.Join(rest, " ")}}, nil
	case "borrow", "return":
		if err := need(1); err != nil {
			return command{}, err
		}
		bookID, err := id(0)
		if err != nil {
			return command{}, err
		}
		category := protocol.CategoryBookBorrowRequest
		if name == "return" {
			category = protocol.CategoryBookReturnRequest
		}
		return command{category, protocol.LoanRequest{BookID: bookID}}, nil
	case "courses":
		return command{protocol.CategoryCourseListRequest, protocol.CourseListRequest{Query: strings.Join(rest, " ")}}, nil
	case "enroll":
		if err := need(1); err != nil {
			return command{}, err
		}
		courseID, err := id(0)
		if err != nil {
			return command{}, err
		}
		return command{protocol.CategoryCourseEnrollRequest, protocol.EnrollRequest{CourseID: courseID}}, nil
	case "enrollments":
		return command{protocol.CategoryEnrollmentListRequest, protocol.EnrollmentListRequest{}}, nil
	case "threads":
		return command{protocol.CategoryThreadListRequest, protocol.ThreadListRequest{}}, nil
	case "post":
		if err := need(1); err != nil {
			return command{}, err
		}
		return command{protocol.CategoryThreadPostRequest, protocol.ThreadPostRequest{
			Title: rest[0],
			Body:  strings.Join(rest[1:], " "),
		}}, nil
	case "order":
		if err := need(2); err != nil {
			return command{}, err
		}
		productID, err := id(0)
		if err != nil {
			return command{}, err
		}
		qty, err := id(1)
		if err != nil {
			return command{}, err
		}
		return command{protocol.CategoryOrderPlaceRequest, protocol.OrderPlaceRequest{ProductID: productID, Quantity: int(qty)}}, nil
	case "orders":
		return command{protocol.CategoryOrderListRequest, protocol.OrderListRequest{}}, nil
	case "watch":
		return command{}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", name)
	}
}

func printEnvelope(out io.Writer, env *protocol.Envelope) {
	fmt.Fprintf(out, "%s (status %d)", env.Category, env.Status)
	if env.Text != "" {
		fmt.Fprintf(out, ": %s", env.Text)
	}
	fmt.Fprintln(out)

	if !env.HasPayload() {
		return
	}
	var v any
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		fmt.Fprintf(out, "%s\n", env.Payload)
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(out, "%s\n", pretty)
}
