package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/web-casa/dockwatch/internal/model"
)

// ContainerEvent is a container lifecycle event from the daemon.
type ContainerEvent struct {
	Action      string
	ContainerID string
	Name        string
	Time        time.Time
}

// Events streams container events until ctx is cancelled. The event channel is
// closed when the stream ends; a failure is reported once on the error channel.
func (c *Client) Events(ctx context.Context) (<-chan ContainerEvent, <-chan error) {
	out := make(chan ContainerEvent, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		args := filters.NewArgs()
		args.Add("type", string(events.ContainerEventType))
		msgs, errs := c.cli.Events(ctx, events.ListOptions{Filters: args})

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && !errors.Is(err, context.Canceled) {
					errc <- wrap("watch events", "", err)
				}
				return
			case msg := <-msgs:
				if msg.Type != events.ContainerEventType {
					continue
				}
				ev := ContainerEvent{
					Action:      string(msg.Action),
					ContainerID: ShortID(msg.Actor.ID),
					Name:        msg.Actor.Attributes["name"],
					Time:        time.Unix(0, msg.TimeNano),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}

// StreamLogs follows a container's log and emits one fragment per line, the
// trailing newline included. tail selects how many existing lines to replay.
func (c *Client) StreamLogs(ctx context.Context, id string, tail int) (<-chan string, <-chan error) {
	out := make(chan string, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		tty, err := c.isTTY(ctx, id)
		if err != nil {
			errc <- err
			return
		}
		if tail < 0 {
			tail = 0
		}
		rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Timestamps: true,
			Follow:     true,
			Tail:       strconv.Itoa(tail),
		})
		if err != nil {
			errc <- wrap("stream logs for", id, err)
			return
		}
		defer rc.Close()

		var src io.Reader = rc
		if !tty {
			pr, pw := io.Pipe()
			go func() {
				_, err := stdcopy.StdCopy(pw, pw, rc)
				pw.CloseWithError(err)
			}()
			defer pr.Close()
			src = pr
		}

		if err := forwardLines(ctx, src, out); err != nil && ctx.Err() == nil {
			errc <- wrap("stream logs for", id, err)
		}
	}()

	return out, errc
}

// forwardLines sends each line of r, newline kept, until EOF or ctx is done.
func forwardLines(ctx context.Context, r io.Reader, out chan<- string) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// StreamStats emits one sample per daemon stats tick until ctx is cancelled.
func (c *Client) StreamStats(ctx context.Context, id string) (<-chan model.StatsSample, <-chan error) {
	out := make(chan model.StatsSample)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		resp, err := c.cli.ContainerStats(ctx, id, true)
		if err != nil {
			errc <- wrap("stream stats for", id, err)
			return
		}
		defer resp.Body.Close()

		if err := decodeStats(ctx, resp.Body, out); err != nil && ctx.Err() == nil {
			errc <- wrap("stream stats for", id, err)
		}
	}()

	return out, errc
}

func decodeStats(ctx context.Context, r io.Reader, out chan<- model.StatsSample) error {
	dec := json.NewDecoder(r)
	for {
		var raw types.StatsJSON
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		select {
		case out <- ComputeStats(&raw):
		case <-ctx.Done():
			return nil
		}
	}
}
