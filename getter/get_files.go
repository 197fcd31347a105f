package getter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/hashicorp/go-getter"
	filehelpers "github.com/turbot/go-kit/files"
)

var (
	ErrEmptySource      = errors.New("input source cannot be empty")
	ErrPathNotPermitted = errors.New("input path is not under a permitted root")
)

// InputFiles resolves an input source to a list of local files
//   - a local path or glob is listed in place
//   - anything else is treated as a go-getter source (s3::, git::, https://...) and is
//     downloaded into a fresh directory under tmpDir first
//
// a glob may follow a '//' separator in remote sources, e.g. s3::https://bucket.s3.amazonaws.com/data//*.jsonl
func InputFiles(ctx context.Context, source, tmpDir string) ([]string, error) {
	if source == "" {
		return nil, ErrEmptySource
	}

	localRoot, glob, err := filehelpers.GlobRoot(source)
	if err != nil {
		return nil, err
	}
	if localRoot != "" {
		if !pathPermitted(localRoot) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotPermitted, source)
		}
		log.Printf("[TRACE] InputFiles local root: %s, glob: %s", localRoot, glob)
		return listFiles(localRoot, glob)
	}

	remote, glob, u, err := splitRemoteSource(source)
	if err != nil {
		return nil, err
	}
	dest, err := os.MkdirTemp(tmpDir, "queryboost-input-")
	if err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if glob != "" {
		remote, dest = s3FolderSource(remote, dest)
	}

	client := &getter.Client{
		Ctx:  ctx,
		Src:  withEscapedQuery(u, remote),
		Dst:  dest,
		Mode: getter.ClientModeAny,
	}
	if err := client.Get(); err != nil {
		return nil, fmt.Errorf("failed to download input %s: %w", remote, err)
	}
	log.Printf("[TRACE] InputFiles downloaded %s to %s", remote, dest)
	return listFiles(dest, glob)
}

func listFiles(root, glob string) ([]string, error) {
	// a plain file path resolves to itself
	if filehelpers.FileExists(root) {
		return []string{root}, nil
	}
	if glob == root {
		glob = ""
	}
	opts := &filehelpers.ListOptions{Flags: filehelpers.FilesRecursive}
	if glob != "" {
		if !path.IsAbs(glob) {
			glob = path.Join(root, glob)
		}
		opts.Include = []string{glob}
	}
	return filehelpers.ListFiles(root, opts)
}

// splitRemoteSource strips the query and the trailing glob from a remote source
func splitRemoteSource(source string) (remote, glob string, u *url.URL, err error) {
	u, err = url.Parse(source)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to parse input source %s: %w", source, err)
	}
	switch {
	case u.Scheme == "":
		// e.g. github.com/org/repo//data/*.jsonl
		remote = u.Path
	case u.Host != "" && u.Path != "":
		remote = fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
	default:
		// forced getters (s3::, git::) parse as opaque
		remote = fmt.Sprintf("%s:%s", u.Scheme, u.Opaque)
	}
	remote, glob = extractGlob(remote)
	return remote, glob, u, nil
}

// extractGlob splits on the last '//' that is not part of a scheme separator
func extractGlob(remote string) (string, string) {
	i := strings.LastIndex(remote, "//")
	if i <= 0 || remote[i-1] == ':' {
		return remote, ""
	}
	return remote[:i], remote[i+2:]
}

// s3FolderSource handles S3 folder downloads, where the folder is part of the url rather
// than following a '//' as it does for git sources
func s3FolderSource(remote, dest string) (string, string) {
	if !strings.Contains(remote, "amazonaws.com") {
		return remote, dest
	}
	if parts := strings.SplitN(remote, "amazonaws.com/", 2); len(parts) == 2 {
		dest = path.Join(dest, strings.Split(parts[1], "?")[0])
	}
	// a trailing slash makes go-getter fetch everything under the prefix
	if !strings.HasSuffix(remote, "/") {
		remote += "/"
	}
	return remote, dest
}

// withEscapedQuery re-attaches the query of the original source with each value escaped,
// so credentials containing '+' or '/' survive go-getter's own parsing
func withEscapedQuery(u *url.URL, remote string) string {
	if u.RawQuery == "" {
		return remote
	}
	values := u.Query()
	for k := range values {
		values.Set(k, url.QueryEscape(values.Get(k)))
	}
	return remote + "?" + values.Encode()
}
