// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mailbox owns short-lived IMAP sessions against the flight-log
// mailbox: connect, authenticate, select, search, fetch and close.
//
// A Session is used by one cycle at a time and is closed exactly once. Every
// blocking call takes a context; when the context ends mid-call the
// connection is torn down and the session becomes unusable.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/flightlog/ingestion/internal/models"
)

const (
	// DefaultConnectTimeout bounds dialing plus the server greeting.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultAuthTimeout bounds LOGIN/AUTHENTICATE.
	DefaultAuthTimeout = 5 * time.Second

	logoutTimeout = 5 * time.Second
)

// Credentials are the connection parameters of a mailbox.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool

	// TokenSource, when set, switches authentication to SASL XOAUTH2.
	TokenSource oauth2.TokenSource
}

func (c Credentials) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// client is the subset of *imapclient.Client a Session drives.
type client interface {
	Login(username, password string) error
	Authenticate(auth sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

type dialFunc func(ctx context.Context, creds Credentials, timeout time.Duration) (client, error)

// Dialer opens sessions against one mailbox.
type Dialer struct {
	creds          Credentials
	connectTimeout time.Duration
	authTimeout    time.Duration
	dial           dialFunc
}

// NewDialer creates a dialer. Zero timeouts fall back to the defaults.
func NewDialer(creds Credentials, connectTimeout, authTimeout time.Duration) *Dialer {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	return &Dialer{
		creds:          creds,
		connectTimeout: connectTimeout,
		authTimeout:    authTimeout,
		dial:           dialIMAP,
	}
}

// Open connects and authenticates. On any failure the connection is
// released before returning.
func (d *Dialer) Open(ctx context.Context) (*Session, error) {
	if d.creds.Host == "" || d.creds.Port == 0 || d.creds.Username == "" {
		return nil, fmt.Errorf("%w: host, port and username are required", ErrConnectivity)
	}

	slog.Debug("connecting to mailbox", "addr", d.creds.addr(), "tls", d.creds.TLS)

	c, err := d.dial(ctx, d.creds, d.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", classifyDialError(err), d.creds.addr(), err)
	}

	s := &Session{c: c}

	authCtx, cancel := context.WithTimeout(ctx, d.authTimeout)
	defer cancel()

	err = s.run(authCtx, func() error {
		if d.creds.TokenSource != nil {
			tok, err := d.creds.TokenSource.Token()
			if err != nil {
				return fmt.Errorf("obtain oauth2 token: %w", err)
			}
			return c.Authenticate(newXOAuth2Client(d.creds.Username, tok.AccessToken))
		}
		return c.Login(d.creds.Username, d.creds.Password)
	})
	if err != nil {
		s.Close()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: authenticate: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	slog.Info("mailbox session opened", "addr", d.creds.addr(), "user", d.creds.Username)
	return s, nil
}

// Session is one authenticated IMAP connection.
type Session struct {
	c client

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// Select opens a folder.
func (s *Session) Select(ctx context.Context, name string, readOnly bool) error {
	err := s.run(ctx, func() error {
		_, err := s.c.Select(name, readOnly)
		return err
	})
	if err != nil {
		return s.wrap(ctx, fmt.Sprintf("select %q", name), err, ErrMailbox)
	}
	return nil
}

// Search returns the UIDs, in ascending order, of multipart messages
// received on or after since. No matches is not an error.
func (s *Session) Search(ctx context.Context, since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	criteria.Header = textproto.MIMEHeader{}
	criteria.Header.Add("Content-Type", "multipart")

	var uids []uint32
	err := s.run(ctx, func() error {
		var err error
		uids, err = s.c.UidSearch(criteria)
		return err
	})
	if err != nil {
		return nil, s.wrap(ctx, "search", err, ErrConnectivity)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Fetch retrieves and parses one message. The message is not marked seen.
func (s *Session) Fetch(ctx context.Context, uid uint32) (*models.MailMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate}

	var fetched *imap.Message
	err := s.run(ctx, func() error {
		ch := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.c.UidFetch(seqset, items, ch)
		}()
		for m := range ch {
			fetched = m
		}
		return <-done
	})
	if err != nil {
		return nil, s.wrap(ctx, fmt.Sprintf("fetch uid %d", uid), err, ErrConnectivity)
	}
	if fetched == nil {
		return nil, fmt.Errorf("fetch uid %d: message not found", uid)
	}

	body := fetched.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("fetch uid %d: server returned no body", uid)
	}

	return parseMessage(uid, body, fetched.InternalDate)
}

// Close logs out and releases the connection. It is safe to call more than
// once; only the first call does anything.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		wasClosed := s.closed
		s.closed = true
		s.mu.Unlock()

		if wasClosed {
			// Already torn down by a cancelled call.
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()

		stop := context.AfterFunc(ctx, func() { s.c.Terminate() })
		err = s.c.Logout()
		if stop() && err != nil {
			err = s.c.Terminate()
		}
		slog.Debug("mailbox session closed")
	})
	return err
}

// run executes fn, tearing the connection down if ctx ends first.
func (s *Session) run(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.c.Terminate()
	})
	err := fn()
	if !stop() {
		// The teardown ran: report the context error rather than the
		// broken-pipe error it caused.
		return ctx.Err()
	}
	return err
}

// wrap attaches the session taxonomy to a failed call.
func (s *Session) wrap(ctx context.Context, op string, err, kind error) error {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	case isTimeout(err) || ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", kind, op, err)
	}
}

func dialIMAP(ctx context.Context, creds Credentials, timeout time.Duration) (client, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *imapclient.Client
		err error
	)
	if creds.TLS {
		c, err = imapclient.DialWithDialerTLS(dialer, creds.addr(), &tls.Config{ServerName: creds.Host})
	} else {
		c, err = imapclient.DialWithDialer(dialer, creds.addr())
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Gmail and
// Microsoft 365 IMAP.
type xoauth2Client struct {
	username string
	token    string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next answers the server's error challenge with an empty response so the
// server completes the exchange with a tagged NO.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
