package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Sample groups the members of one WebDataset record. Members are keyed by
// the file name after the sample key, e.g. "f0.png" or "depth.png".
type Sample struct {
	Key     string
	Shard   string
	Members map[string][]byte
}

// ErrPendingOverflow indicates a single sample held more members than allowed.
var ErrPendingOverflow = errors.New("webdataset: sample member bound exceeded")

const defaultPendingCap = 64

// splitMember splits "dir/000123.f-1.png" into key "dir/000123" and member
// "f-1.png". Names without a dot have no member and are skipped.
func splitMember(name string) (key, member string, ok bool) {
	dir, base := path.Split(name)
	i := strings.IndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return dir + base[:i], base[i+1:], true
}

// StreamShard streams samples from the shard at path. Members of a sample
// must be stored contiguously, as WebDataset writers do.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		emit := func(s Sample) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- s:
				return true
			}
		}

		tr := tar.NewReader(bufio.NewReader(f))
		var cur *Sample
		seen := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar %s: %w", path, err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, member, ok := splitMember(hdr.Name)
			if !ok {
				continue
			}
			if cur == nil || cur.Key != key {
				if cur != nil && !emit(*cur) {
					return
				}
				if seen[key] {
					errCh <- fmt.Errorf("webdataset %s: members of %s are not contiguous", path, key)
					return
				}
				seen[key] = true
				cur = &Sample{Key: key, Shard: path, Members: make(map[string][]byte)}
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read member %s: %w", hdr.Name, err)
				return
			}
			cur.Members[member] = data
			if len(cur.Members) > pendingCap {
				errCh <- fmt.Errorf("%w: %s has more than %d members", ErrPendingOverflow, key, pendingCap)
				return
			}
		}
		if cur != nil {
			emit(*cur)
		}
	}()

	return out, errCh
}

// CountSamples returns the number of samples in the shard by scanning tar
// headers only.
func CountSamples(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()
	tr := tar.NewReader(bufio.NewReader(f))
	count := 0
	last := ""
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read tar %s: %w", path, err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		key, _, ok := splitMember(hdr.Name)
		if !ok {
			continue
		}
		if count == 0 || key != last {
			count++
			last = key
		}
	}
}
