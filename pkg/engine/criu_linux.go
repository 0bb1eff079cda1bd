// Copyright 2026 The Warmstart Authors.
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

//go:build linux
// +build linux

package engine

import (
	"fmt"
	"os"

	criu "github.com/checkpoint-restore/go-criu/v7"
	criurpc "github.com/checkpoint-restore/go-criu/v7/rpc"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"
	"warmstart.dev/warmstart/pkg/cleanup"
	"warmstart.dev/warmstart/pkg/log"
)

func init() {
	Register(CRIUName, newCRIU)
}

type criuProvider struct {
	c    *criu.Criu
	opts CRIUOptions
}

func newCRIU(cfg Config) (Provider, error) {
	c := criu.MakeCriu()
	if cfg.CRIU.Binary != "" {
		c.SetCriuPath(cfg.CRIU.Binary)
	}
	return &criuProvider{c: c, opts: cfg.CRIU}, nil
}

// openForCRIU opens dir and clears close-on-exec so that the criu child
// inherits it.
func openForCRIU(dir string) (*os.File, int32, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, -1, err
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_SETFD, 0); err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("clearing close-on-exec on %s: %w", dir, err)
	}
	return f, int32(f.Fd()), nil
}

// baseOpts opens the image and work directories and fills the options
// shared by dump and restore. The returned cleanup closes the directories.
func (p *criuProvider) baseOpts(image string) (*criurpc.CriuOpts, func(), error) {
	if err := os.MkdirAll(image, 0o755); err != nil {
		return nil, nil, err
	}
	img, imgFD, err := openForCRIU(image)
	if err != nil {
		return nil, nil, err
	}
	cu := cleanup.Make(func() { img.Close() })
	defer cu.Clean()

	opts := &criurpc.CriuOpts{
		ImagesDirFd: proto.Int32(imgFD),
		LogLevel:    proto.Int32(p.opts.LogLevel),
		TcpClose:    proto.Bool(p.opts.TCPClose),
		ShellJob:    proto.Bool(p.opts.ShellJob),
		FileLocks:   proto.Bool(p.opts.FileLocks),
		LinkRemap:   proto.Bool(p.opts.LinkRemap),
	}
	if p.opts.LogFile != "" {
		opts.LogFile = proto.String(p.opts.LogFile)
	}
	if p.opts.WorkDir != "" {
		if err := os.MkdirAll(p.opts.WorkDir, 0o755); err != nil {
			return nil, nil, err
		}
		work, workFD, err := openForCRIU(p.opts.WorkDir)
		if err != nil {
			return nil, nil, err
		}
		cu.Add(func() { work.Close() })
		opts.WorkDirFd = proto.Int32(workFD)
	}
	return opts, cu.Release(), nil
}

// Checkpoint implements Provider.
func (p *criuProvider) Checkpoint(req CheckpointRequest) int {
	if len(req.Argv) < 2 {
		log.Warningf("criu: missing image path")
		return 2
	}
	opts, done, err := p.baseOpts(req.Argv[1])
	if err != nil {
		log.Warningf("criu: %v", err)
		return 1
	}
	defer done()
	opts.Pid = proto.Int32(int32(os.Getpid()))
	opts.LeaveRunning = proto.Bool(!req.StopCurrent)
	if opts.LogFile == nil {
		opts.LogFile = proto.String("dump.log")
	}
	if err := p.c.Dump(opts, nil); err != nil {
		log.Warningf("criu: dump failed: %v", err)
		return 1
	}
	return 0
}

// criuNotify forwards CRIU's post-restore notification.
type criuNotify struct {
	criu.NoNotify
	onRestore func()
}

// PostRestore implements criu.Notify.
func (n *criuNotify) PostRestore(pid int32) error {
	log.Infof("criu: restored as pid %d", pid)
	if n.onRestore != nil {
		n.onRestore()
	}
	return nil
}

// Restore implements Provider.
func (p *criuProvider) Restore(req RestoreRequest) int {
	if len(req.Argv) < 2 {
		log.Warningf("criu: missing image path")
		return 2
	}
	opts, done, err := p.baseOpts(req.Argv[1])
	if err != nil {
		log.Warningf("criu: %v", err)
		return 1
	}
	defer done()
	opts.RstSibling = proto.Bool(true)
	if opts.LogFile == nil {
		opts.LogFile = proto.String("restore.log")
	}
	if err := p.c.Restore(opts, &criuNotify{onRestore: req.OnRestore}); err != nil {
		log.Warningf("criu: restore failed: %v", err)
		return 1
	}
	return 0
}

// Close implements Provider. Dump and Restore start and stop their own
// criu service, so there is nothing left to release.
func (p *criuProvider) Close() error {
	return nil
}
