package kiropool

// CallContext is the immutable value bound by acquire_context and handed
// to an upstream caller (spec §4.6/C7). The caller uses Snapshot for
// profile_arn/region/machine_id/proxy and AccessToken to build the
// request, then reports the outcome back against ID — which may no
// longer be the pool's current credential by the time the report
// arrives, by design (spec §4.6's decoupling rationale).
type CallContext struct {
	ID          int64
	Snapshot    *Credential
	AccessToken string
}
