package ll

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/achilleasa/raygraph/backend"
)

type moduleEntry struct {
	source string

	// Compiled module per device; nil where compilation has not succeeded.
	compiled perDevice[backend.Module]
}

// A module is built once it compiled on every device.
func (m *moduleEntry) built() bool {
	for _, mod := range m.compiled {
		if mod == nil {
			return false
		}
	}
	return true
}

// Resize the module table to n slots, releasing every existing module.
func (c *Context) AllocModules(n int) error {
	const op = "AllocModules"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.modules.alloc(n, c.destroyModule)
	return nil
}

func (c *Context) destroyModule(moduleID int, m *moduleEntry) {
	for id, mod := range m.compiled {
		if mod == nil {
			continue
		}
		if err := mod.Release(); err != nil {
			c.logger.Warningf("could not release module %d on device %d: %v", moduleID, id, err)
		}
	}
}

// Store module source. Compilation is deferred until BuildModules. Creating
// a module over an existing one releases the old compiled copies.
func (c *Context) ModuleCreate(moduleID int, source string) error {
	const op = "ModuleCreate"
	if err := c.begin(op); err != nil {
		return err
	}
	existing, err := c.modules.lookup(op, moduleID)
	if err != nil {
		return c.track(err)
	}
	if existing != nil {
		c.destroyModule(moduleID, existing)
	}

	c.modules.put(moduleID, &moduleEntry{
		source:   source,
		compiled: make(perDevice[backend.Module], len(c.devices)),
	})
	return nil
}

// Check whether a module compiled on every device.
func (c *Context) ModuleIsBuilt(moduleID int) (bool, error) {
	m, err := c.modules.get("ModuleIsBuilt", moduleID)
	if err != nil {
		return false, c.track(err)
	}
	return m.built(), nil
}

// Compile every module that has not compiled on all devices yet. Modules are
// independent: a failing module does not prevent the others from building.
// Failures are reported as a CompilationFailure error wrapping ModuleErrors.
func (c *Context) BuildModules() error {
	const op = "BuildModules"
	if err := c.begin(op); err != nil {
		return err
	}

	var pending []int
	c.modules.each(func(id int, m *moduleEntry) {
		if !m.built() {
			pending = append(pending, id)
		}
	})
	if len(pending) == 0 {
		return nil
	}

	// failures[device][module] holds the compile error for that pair.
	failures := make([]map[int]error, len(c.devices))
	c.fanOut(func(d *deviceState) error {
		failures[d.id] = make(map[int]error)
		for _, id := range pending {
			m := c.modules.slots[id]
			if m.compiled[d.id] != nil {
				continue
			}

			start := time.Now()
			mod, err := d.dev.CompileModule(m.source)
			d.stats.CompileTime += time.Since(start)
			if err != nil {
				d.stats.CompileFailures++
				failures[d.id][id] = err
				continue
			}
			d.stats.ModulesCompiled++
			m.compiled[d.id] = mod
		}
		return nil
	})

	var modErrs ModuleErrors
	for _, id := range pending {
		var modErr *ModuleError
		for devID := range c.devices {
			err, failed := failures[devID][id]
			if !failed {
				continue
			}
			if modErr == nil {
				modErr = &ModuleError{Module: id, Log: compileLog(err)}
			}
			modErr.Devices = append(modErr.Devices, devID)
		}
		if modErr != nil {
			modErrs = append(modErrs, *modErr)
		}
	}
	sort.Slice(modErrs, func(i, j int) bool { return modErrs[i].Module < modErrs[j].Module })

	c.logger.Infof("compiled %d of %d pending module(s)", len(pending)-len(modErrs), len(pending))
	if len(modErrs) != 0 {
		return c.track(&Error{
			Code: CompilationFailure,
			Op:   op,
			msg:  "one or more modules failed to compile",
			Err:  modErrs,
		})
	}
	return nil
}

func compileLog(err error) string {
	var compileErr *backend.CompileError
	if errors.As(err, &compileErr) {
		return compileErr.Log
	}
	return err.Error()
}

// Resolve an entry point in a built module on every device.
func (c *Context) resolveProgram(op string, moduleID int, kind backend.ProgramKind, name string) (perDevice[backend.Program], error) {
	m, err := c.modules.get(op, moduleID)
	if err != nil {
		return nil, err
	}
	if !m.built() {
		return nil, errorf(InvalidState, op, "module %d has not been built", moduleID)
	}

	progs := make(perDevice[backend.Program], len(c.devices))
	devErrs := c.fanOut(func(d *deviceState) (err error) {
		progs[d.id], err = m.compiled[d.id].Program(kind, name)
		return err
	})
	if len(devErrs) != 0 {
		if errors.Is(devErrs, backend.ErrSymbolNotFound) {
			return nil, &Error{Code: ProgramNotFound, Op: op, msg: fmt.Sprintf("module %d has no %s program %q", moduleID, kind, name), Err: devErrs}
		}
		return nil, c.deviceFailure(op, devErrs)
	}
	return progs, nil
}
