/*
Package security handles burrow's credentials.

A single master key protects everything. It comes from configuration or is
generated once and persisted to <data-dir>/master.key with mode 0600.
NewSecretsManagerFromMasterKey expands it with HKDF-SHA256 into two
independent keys:

  - an AES-256-GCM key used to encrypt cluster passwords at rest
  - an HMAC-SHA256 key used to derive per-cluster passwords

Derived passwords are deterministic, so the root, application and monitoring
passwords of a cluster can be recomputed from its ID and never need to leave
the process in clear text:

	sm, err := security.NewSecretsManagerFromMasterKey(key, cfg.Secrets.BasePassword, shared)
	root := sm.GenerateMySQLRootPassword(cluster.ID)
	enc, err := sm.EncryptString(root)

Replication and registrar accounts are shared by every cluster and are
carried as SharedCredentials.
*/
package security
