package makeparallel

import "time"

// Map is the batch convenience layered over Strategy B: submit one pool
// task per item, then collect results in input order (not completion
// order). The first error encountered — in input order — is returned.
func (rt *Runtime) Map(funcName string, items []any, timeout time.Duration) ([]any, error) {
	handles := make([]*AsyncHandle, len(items))
	for i, item := range items {
		h, err := rt.SubmitPool(funcName, []any{item}, nil, timeout)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}
	results := make([]any, len(items))
	for i, h := range handles {
		v, err := h.Get()
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}
