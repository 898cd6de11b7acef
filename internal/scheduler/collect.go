package scheduler

import (
	"regexp"
	"strings"

	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/report"
)

// Filter narrows the collected units.
type Filter struct {
	Grep       *regexp.Regexp
	GrepInvert *regexp.Regexp
}

// unitState is a unit plus the attempts made so far. It travels with its
// job, so a requeued job resumes with the next attempt number.
type unitState struct {
	unit     *Unit
	index    int
	retries  int
	attempts []report.Attempt
}

func (us *unitState) budgetLeft() bool {
	return len(us.attempts) <= us.retries
}

type job struct {
	file    *File
	project *Project
	units   []*unitState
}

// plan is the result of collection: jobs in dispatch order plus the units
// that are reported without running.
type plan struct {
	jobs    []*job
	skipped []*unitState
	total   int
}

// unitID prefixes the file-scoped id with the project name.
func unitID(project, file string, titlePath []string) string {
	id := file + "::" + strings.Join(titlePath, " > ")
	if project != "" {
		id = project + "/" + id
	}
	return id
}

// collect expands projects, applies filters and annotations, and splits
// files into jobs.
func collect(files []*File, projects []Project, filter Filter, retries int, fullyParallel bool) (*plan, error) {
	if len(projects) == 0 {
		projects = []Project{{}}
	}

	type entry struct {
		file    *File
		project *Project
		units   []*Unit
	}
	var (
		entries []entry
		seen    = make(map[string]bool)
		anyOnly bool
	)
	for pi := range projects {
		p := &projects[pi]
		for _, f := range files {
			e := entry{file: f, project: p}
			for _, u := range f.Units {
				if u.Body == nil {
					return nil, errs.Newf(errs.InvalidArgument, "%s: test %q has no body", f.Path, u.Title())
				}
				c := u.clone()
				c.File = f.Path
				c.Project = p.Name
				c.ID = unitID(p.Name, f.Path, c.TitlePath)
				if seen[c.ID] {
					return nil, errs.Newf(errs.InvalidArgument, "duplicate test %q", c.ID)
				}
				seen[c.ID] = true

				text := c.grepText()
				if filter.Grep != nil && !filter.Grep.MatchString(text) {
					continue
				}
				if filter.GrepInvert != nil && filter.GrepInvert.MatchString(text) {
					continue
				}
				anyOnly = anyOnly || c.Has(AnnotationOnly)
				e.units = append(e.units, c)
			}
			entries = append(entries, e)
		}
	}

	pl := &plan{}
	index := 0
	for _, e := range entries {
		var runnable []*unitState
		for _, u := range e.units {
			if anyOnly && !u.Has(AnnotationOnly) {
				continue
			}
			r := retries
			if u.Retries != nil {
				r = *u.Retries
			}
			us := &unitState{unit: u, index: index, retries: max(0, r)}
			index++
			if u.Has(AnnotationSkip) || u.Has(AnnotationFixme) {
				pl.skipped = append(pl.skipped, us)
				continue
			}
			runnable = append(runnable, us)
		}
		if len(runnable) == 0 {
			continue
		}
		if fullyParallel {
			for _, us := range runnable {
				pl.jobs = append(pl.jobs, &job{file: e.file, project: e.project, units: []*unitState{us}})
			}
			continue
		}
		pl.jobs = append(pl.jobs, &job{file: e.file, project: e.project, units: runnable})
	}
	pl.total = index
	return pl, nil
}

// Collect returns the ids of the units that would run, in dispatch order.
func Collect(files []*File, projects []Project, filter Filter, fullyParallel bool) ([]string, error) {
	pl, err := collect(files, projects, filter, 0, fullyParallel)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, j := range pl.jobs {
		for _, us := range j.units {
			ids = append(ids, us.unit.ID)
		}
	}
	return ids, nil
}
