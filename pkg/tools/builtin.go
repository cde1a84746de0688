package tools

import "net/http"

// BuiltinOptions configures the standard tool set.
type BuiltinOptions struct {
	PathCheck  PathChecker
	ExecDeny   []string
	ExecAllow  []string
	HTTPClient *http.Client
	Search     SearchBackend
	Delegate   Delegate
}

// RegisterBuiltins installs the standard tools into a registry.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	set := []Tool{
		NewReadFile(opts.PathCheck),
		NewWriteFile(opts.PathCheck),
		NewEditFile(opts.PathCheck),
		NewMultiEdit(opts.PathCheck),
		NewGlob(opts.PathCheck),
		NewGrep(opts.PathCheck),
		NewExec(opts.PathCheck, opts.ExecDeny, opts.ExecAllow),
		NewWebFetch(opts.HTTPClient),
		NewWebSearch(opts.Search),
		NewSubtask(opts.Delegate),
	}
	for _, t := range set {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
