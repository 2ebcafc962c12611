// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstep/cache"
	"github.com/grailbio/bigstep/checkpoint"
)

func init() {
	config.Register("bigstep", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 64, "allowable parallelism, in processors, for the session")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for cluster execution; local execution if empty")
		var cacheDir, checkpointPrefix string
		inst.StringVar(&cacheDir, "cache-dir", "", "directory of the shared result cache; in-memory if empty")
		inst.StringVar(&checkpointPrefix, "checkpoints", "", "path prefix (local or s3) for run checkpoints; in-memory if empty")
		inst.IntVar(&sess.maxRetries, "max-retries", defaultMaxRetries, "number of resubmissions of transiently failed steps")
		var pollInterval, staleAfter string
		inst.StringVar(&pollInterval, "poll-interval", defaultPollInterval.String(), "interval at which jobs are polled")
		inst.StringVar(&staleAfter, "stale-after", defaultStaleAfter.String(), "age after which unrefreshed reservations are reclaimed")
		inst.Doc = "bigstep configures the bigstep pipeline runtime"
		inst.New = func() (interface{}, error) {
			var err error
			if sess.pollInterval, err = time.ParseDuration(pollInterval); err != nil {
				return nil, err
			}
			if sess.staleAfter, err = time.ParseDuration(staleAfter); err != nil {
				return nil, err
			}
			Local(sess)
			if system != nil {
				Bigmachine(system)(sess)
			}
			if cacheDir != "" {
				if sess.cache, err = cache.NewFile(cacheDir); err != nil {
					return nil, err
				}
			}
			if checkpointPrefix != "" {
				sess.checkpoints = checkpoint.NewFile(checkpointPrefix)
			}
			sess.start()
			log.Debug.Printf("bigstep: configured session: cache %q, checkpoints %q", cacheDir, checkpointPrefix)
			return sess, nil
		}
	})
}
