// Copyright 2024 The GitBastion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server assembles and launches the proxy from CLI flags and
// configuration files.
package server

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/gitbastion/gitbastion/pkg/proxy"
	"github.com/gitbastion/gitbastion/pkg/upstream"
)

// ServerOptions contains state for the proxy server command.
type ServerOptions struct {
	ListenAddress   string
	Brand           string
	UpstreamBrand   string
	CredentialsFile string
	DirectoryFile   string
	CacheDirectory  string
	ForwardTimeout  time.Duration

	StdOut io.Writer
	StdErr io.Writer
}

// NewServerOptions returns ServerOptions with defaults applied.
func NewServerOptions(out, errOut io.Writer) *ServerOptions {
	return &ServerOptions{
		ListenAddress:  ":8080",
		Brand:          "GitBastion",
		UpstreamBrand:  "GitLab",
		ForwardTimeout: 30 * time.Second,
		StdOut:         out,
		StdErr:         errOut,
	}
}

// NewCommandStartServer provides a CLI handler for the proxy server.
func NewCommandStartServer(ctx context.Context, defaults *ServerOptions) *cobra.Command {
	o := *defaults
	cmd := &cobra.Command{
		Use:   "gitbastion",
		Short: "Launch the git proxy server",
		Long:  "Launch the git Smart HTTP proxy in front of the upstream repository host",
		RunE: func(c *cobra.Command, args []string) error {
			if err := o.Complete(); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.RunServer(ctx)
		},
	}

	o.AddFlags(cmd.Flags())

	return cmd
}

// AddFlags registers the command's flags, klog's included.
func (o *ServerOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.ListenAddress, "listen", o.ListenAddress, "address to serve git clients on")
	flags.StringVar(&o.Brand, "brand", o.Brand, "product name shown in protocol messages and substituted into responses")
	flags.StringVar(&o.UpstreamBrand, "upstream-brand", o.UpstreamBrand, "brand token the upstream host embeds in its responses")
	flags.StringVar(&o.CredentialsFile, "credentials-file", o.CredentialsFile, "YAML file with upstream host credentials (host, token, group); falls back to UPSTREAM_* environment variables")
	flags.StringVar(&o.DirectoryFile, "directory-file", o.DirectoryFile, "YAML file with projects, tokens, users and lock holders")
	flags.StringVar(&o.CacheDirectory, "cache-directory", o.CacheDirectory, "directory for local repository working copies")
	flags.DurationVar(&o.ForwardTimeout, "forward-timeout", o.ForwardTimeout, "timeout for each forwarded upstream call")

	klogFlags := goflag.NewFlagSet("klog", goflag.PanicOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)
}

// Complete fills in fields required to have valid data.
func (o *ServerOptions) Complete() error {
	if o.CacheDirectory == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			cache = os.TempDir()
		}
		o.CacheDirectory = filepath.Join(cache, "gitbastion", "repos")
	}
	return os.MkdirAll(o.CacheDirectory, 0o755)
}

// Validate validates ServerOptions.
func (o *ServerOptions) Validate(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	if o.Brand == "" {
		return fmt.Errorf("--brand must not be empty")
	}
	if o.DirectoryFile == "" {
		return fmt.Errorf("--directory-file is required")
	}
	return nil
}

// directoryConfig is the standalone deployment's collaborator state: which
// projects exist, who can authenticate, and who holds which write lock.
type directoryConfig struct {
	Projects map[string]struct {
		Branch string `yaml:"branch"`
	} `yaml:"projects"`
	Tokens map[string]string `yaml:"tokens"`
	Users  map[string]string `yaml:"users"`
	Locks  map[string]string `yaml:"locks"`
}

func loadDirectoryConfig(path string) (*directoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory file %q: %w", path, err)
	}
	var cfg directoryConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing directory file %q: %w", path, err)
	}
	return &cfg, nil
}

// RunServer assembles the proxy and serves until ctx is cancelled.
func (o *ServerOptions) RunServer(ctx context.Context) error {
	dir, err := loadDirectoryConfig(o.DirectoryFile)
	if err != nil {
		return err
	}

	directory := proxy.StaticDirectory{}
	for id, p := range dir.Projects {
		branch := p.Branch
		if branch == "" {
			branch = "master"
		}
		directory[id] = branch
	}

	locks := proxy.NewStaticLocks()
	for projectID, holder := range dir.Locks {
		locks.Acquire(projectID, holder)
	}

	var source upstream.CredentialSource = upstream.EnvSource{}
	if o.CredentialsFile != "" {
		source = upstream.ChainSource{
			upstream.FileSource{Path: o.CredentialsFile},
			upstream.EnvSource{},
		}
	}

	manager := upstream.NewManager(source, o.CacheDirectory, upstream.ManagerOptions{})

	server, err := proxy.NewServer(proxy.Config{
		Brand:         o.Brand,
		UpstreamBrand: o.UpstreamBrand,
		Authenticator: proxy.ChainAuthenticator{
			proxy.BasicAuthenticator{Verifier: proxy.StaticPasswords(dir.Users)},
			proxy.BearerAuthenticator{Verifier: proxy.StaticTokens(dir.Tokens)},
			proxy.HeaderTokenAuthenticator{Header: "Private-Token", Verifier: proxy.StaticTokens(dir.Tokens)},
		},
		Authorizer:     proxy.AllowAll{},
		Locks:          locks,
		Directory:      directory,
		Upstream:       manager,
		ForwardTimeout: o.ForwardTimeout,
	})
	if err != nil {
		return err
	}

	klog.Infof("serving %d projects on %s", len(directory), o.ListenAddress)
	return server.ListenAndServe(ctx, o.ListenAddress)
}
