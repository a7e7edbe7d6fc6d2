// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"zombiezen.com/go/log"
	"zombiezen.com/go/uritemplate"

	"github.com/anvilbuild/anvil/internal/xio"
)

// ExpandURL fills an RFC 6570 URI template with the given variables.
// Recipes keep their source locators as templates
// ("https://example.com/releases/{version}/{file}") and expand them
// at fetch time.
func ExpandURL(template string, vars map[string]any) (string, error) {
	u, err := uritemplate.Expand(template, vars)
	if err != nil {
		return "", fmt.Errorf("expand url %s: %v", template, err)
	}
	return u, nil
}

// Download fetches rawURL into dest. The transfer streams through a
// temporary file beside dest so an interrupted download never leaves
// a truncated dest behind.
func Download(ctx context.Context, bc *Context, rawURL, dest string) (err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("download %s: %v", rawURL, err)
	}
	log.Infof(ctx, "downloading %v", u)
	req := &http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"Accept":     {"application/gzip, application/x-bzip2, application/x-xz, application/x-tar;q=0.9, */*;q=0.8"},
			"User-Agent": {"anvil/" + Version},
		},
	}
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("download %v: %v", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %v: http %s", u, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o777); err != nil {
		return fmt.Errorf("download %v: %v", u, err)
	}
	f, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("download %v: %v", u, err)
	}
	fCloser := xio.CloseOnce(f)
	defer func() {
		fCloser.Close()
		if err != nil {
			os.Remove(f.Name())
		}
	}()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("download %v: %v", u, err)
	}
	if err := fCloser.Close(); err != nil {
		return fmt.Errorf("download %v: %v", u, err)
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		return fmt.Errorf("download %v: %v", u, err)
	}
	return nil
}

// ExtractTar unpacks archive into dir with the tar tool, stripping the
// given number of leading path components, so the extraction is
// recorded in the run log like any other build step.
func ExtractTar(ctx context.Context, bc *Context, archive, dir string, strip int) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("extract %s: %v", filepath.Base(archive), err)
	}
	args := []string{"tar", "-x", "-f", archive, "-C", dir}
	if strip > 0 {
		args = append(args, "--strip-components="+strconv.Itoa(strip))
	}
	_, err := Run(ctx, bc, args, nil)
	return err
}

// CloneGit makes a shallow clone of the repository at rawURL, checked
// out at ref, into dir.
func CloneGit(ctx context.Context, bc *Context, rawURL, ref, dir string) error {
	args := []string{"git", "clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, rawURL, dir)
	_, err := Run(ctx, bc, args, &RunOptions{Dir: filepath.Dir(dir)})
	return err
}
