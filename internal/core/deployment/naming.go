package deployment

import (
	"fmt"
	"path"
	"strings"
)

// =============================================================================
// Remote Naming Functions
// =============================================================================

// RemotePath maps a slash-separated local path relative to the local root
// onto the remote root.
//
// Example:
//
//	RemotePath("/home/ubuntu/app", "server/index.js") // returns "/home/ubuntu/app/server/index.js"
func RemotePath(remoteRoot, localPath string) string {
	return path.Join(remoteRoot, localPath)
}

// ServiceURL builds the public URL announced for a deployed service path.
// Pattern: http://{host}:{port}{path}
//
// Example:
//
//	ServiceURL("43.1.2.3", 4175, "/dealer") // returns "http://43.1.2.3:4175/dealer"
func ServiceURL(host string, port int, p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("http://%s:%d%s", host, port, p)
}

// ServiceURLs builds the announced URL for each path, defaulting to "/".
func ServiceURLs(host string, port int, paths []string) []string {
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		urls = append(urls, ServiceURL(host, port, p))
	}
	return urls
}
