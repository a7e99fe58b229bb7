// Package config provides configuration management for clusterproxy.
//
// Configuration is YAML, loaded in layers where later sources override
// earlier ones:
//
//  1. Defaults compiled into the binary
//  2. User configuration (~/.config/clusterproxy/config.yaml)
//  3. Clusters registered at runtime (~/.config/clusterproxy/clusters.yaml)
//  4. Project configuration (./.clusterproxy/config.yaml)
//
// A file passed with --config replaces layers 2 to 4.
//
// # Configuration Structure
//
//	proxy:
//	  listenAddress: 127.0.0.1
//	  port: 9443
//	  adminAddress: 127.0.0.1:9444
//	  certDir: ~/.config/clusterproxy/certs
//	authProxy:
//	  binaryPath: /usr/local/bin/kube-auth-proxy
//	  startTimeout: 15s
//	connection:
//	  detectTimeout: 20s
//	shell:
//	  tokenTTL: 1m
//	log:
//	  level: info
//	  format: text
//	clusters:
//	  - id: prod
//	    kubeconfig: ~/.kube/config
//	    context: prod-admin
//	    enabled: true
//
// Clusters are merged by id: a later layer replaces a definition with the
// same id and appends new ones. Scalar settings are overridden when set.
package config
