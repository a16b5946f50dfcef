package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ErrNoURLs is returned when a shoutrrr sink has nothing to send to
var ErrNoURLs = errors.New("no shoutrrr URLs configured")

// sender is the part of *router.ServiceRouter the sink uses
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// ShoutrrrSink sends notifications through shoutrrr service URLs. Each
// recipient may have its own URLs; recipients without any use the fallback.
// Recipients with neither are skipped.
type ShoutrrrSink struct {
	recipients map[string][]string
	fallback   []string
	timeout    time.Duration

	newSender func(timeout time.Duration, urls ...string) (sender, error)

	mu      sync.Mutex
	senders map[string]sender
}

// NewShoutrrrSink validates every URL and returns the sink
func NewShoutrrrSink(recipients map[string][]string, fallback []string, timeout time.Duration) (*ShoutrrrSink, error) {
	s := &ShoutrrrSink{
		recipients: make(map[string][]string, len(recipients)),
		fallback:   slices.Clone(fallback),
		timeout:    timeout,
		newSender:  createSender,
		senders:    make(map[string]sender),
	}
	configured := len(s.fallback)
	for r, urls := range recipients {
		s.recipients[r] = slices.Clone(urls)
		configured += len(urls)
	}
	if configured == 0 {
		return nil, ErrNoURLs
	}

	if len(s.fallback) > 0 {
		if _, err := s.senderFor(s.fallback); err != nil {
			return nil, fmt.Errorf("invalid fallback URL: %w", err)
		}
	}
	for r, urls := range s.recipients {
		if len(urls) == 0 {
			continue
		}
		if _, err := s.senderFor(urls); err != nil {
			return nil, fmt.Errorf("invalid URL for recipient %q: %w", r, err)
		}
	}
	return s, nil
}

func createSender(timeout time.Duration, urls ...string) (sender, error) {
	sr, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		sr.Timeout = timeout
	}
	sr.SetLogger(log.New(io.Discard, "", 0))
	return sr, nil
}

func (s *ShoutrrrSink) Name() string { return "shoutrrr" }

func (s *ShoutrrrSink) Notify(ctx context.Context, recipients []string, configName, targetLabel string, groupCount int) error {
	msg := Message{ConfigName: configName, TargetLabel: targetLabel, GroupCount: groupCount}
	params := stypes.Params{}
	params.SetTitle(msg.Title())

	var de DeliveryError
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		urls := s.urlsFor(r)
		if len(urls) == 0 {
			continue
		}
		snd, err := s.senderFor(urls)
		if err == nil {
			err = firstError(snd.Send(msg.Body(), &params))
		}
		if err != nil {
			de.Failed = append(de.Failed, r)
			de.Errs = append(de.Errs, fmt.Errorf("%s: %w", r, err))
		}
	}
	if len(de.Failed) > 0 {
		return &de
	}
	return nil
}

func (s *ShoutrrrSink) urlsFor(recipient string) []string {
	if urls := s.recipients[recipient]; len(urls) > 0 {
		return urls
	}
	return s.fallback
}

func (s *ShoutrrrSink) senderFor(urls []string) (sender, error) {
	key := strings.Join(urls, "\n")
	s.mu.Lock()
	defer s.mu.Unlock()
	if snd, ok := s.senders[key]; ok {
		return snd, nil
	}
	snd, err := s.newSender(s.timeout, urls...)
	if err != nil {
		return nil, err
	}
	s.senders[key] = snd
	return snd, nil
}

// firstError returns the first non-nil error of a router send
func firstError(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
