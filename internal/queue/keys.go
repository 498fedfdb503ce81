package queue

// Redis key layout. Everything the broker owns is reachable from the
// tenant registry set, so sweeps never need SCAN.

const tenantsKey = "tenants"

func queueKey(tenant string) string { return "tenant:" + tenant + ":job_queue" }

func delayKey(tenant string) string { return "tenant:" + tenant + ":delayed" }

func leaseKey(jobID string) string { return "lease:" + jobID }
