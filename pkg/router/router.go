// Package router classifies intercepted requests into resource classes.
package router

import (
	"net/http"
	"path"
	"strings"

	"github.com/vihaar/vihaar-sw/pkg/config"
)

// Class is the resource class of a request. It selects the caching strategy.
type Class string

const (
	ClassBypass     Class = "bypass"
	ClassImage      Class = "image"
	ClassStatic     Class = "static"
	ClassAPI        Class = "api"
	ClassNavigation Class = "navigation"
	ClassOther      Class = "other"
)

// Fetch metadata headers a browser attaches to subresource requests.
const (
	HeaderFetchDest = "Sec-Fetch-Dest"
	HeaderFetchMode = "Sec-Fetch-Mode"
)

// Classifier applies the routing rules. It is immutable and safe for
// concurrent use.
type Classifier struct {
	imageHosts       []string
	imageExtensions  map[string]struct{}
	staticPrefix     string
	staticExtensions []string
	apiPrefix        string
	bypass           []string
}

// New builds a Classifier from the routing configuration.
func New(cfg config.RoutingConfig) *Classifier {
	c := &Classifier{
		staticPrefix:    cfg.StaticPrefix,
		apiPrefix:       cfg.APIPrefix,
		imageExtensions: make(map[string]struct{}, len(cfg.ImageExtensions)),
	}
	for _, h := range cfg.ImageHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.imageHosts = append(c.imageHosts, h)
		}
	}
	for _, ext := range cfg.ImageExtensions {
		c.imageExtensions[normalizeExt(ext)] = struct{}{}
	}
	for _, ext := range cfg.StaticExtensions {
		c.staticExtensions = append(c.staticExtensions, normalizeExt(ext))
	}
	for _, b := range cfg.Bypass {
		if b != "" {
			c.bypass = append(c.bypass, b)
		}
	}
	return c
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Classify returns the class of r. The first matching rule wins.
func (c *Classifier) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return ClassBypass
	}
	u := r.URL
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ClassBypass
	}
	p := u.Path
	for _, marker := range c.bypass {
		if strings.Contains(p, marker) {
			return ClassBypass
		}
	}

	if c.isImage(r) {
		return ClassImage
	}
	if c.isStatic(p) {
		return ClassStatic
	}
	if c.apiPrefix != "" && strings.HasPrefix(p, c.apiPrefix) {
		return ClassAPI
	}
	if r.Header.Get(HeaderFetchMode) == "navigate" {
		return ClassNavigation
	}
	return ClassOther
}

func (c *Classifier) isImage(r *http.Request) bool {
	if r.Header.Get(HeaderFetchDest) == "image" {
		return true
	}
	if _, ok := c.imageExtensions[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return true
	}
	host := strings.ToLower(r.URL.Hostname())
	for _, allowed := range c.imageHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (c *Classifier) isStatic(p string) bool {
	if c.staticPrefix != "" && strings.HasPrefix(p, c.staticPrefix) {
		return true
	}
	lower := strings.ToLower(p)
	for _, ext := range c.staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
