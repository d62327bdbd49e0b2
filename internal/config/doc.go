// Package config handles configuration loading for comcenter.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from COMCENTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/comcenter/gateway.yaml
//  3. ~/.config/comcenter/gateway.yaml
//
// Files ending in .toml are decoded as TOML, everything else as YAML. The
// field names are the same in both formats.
//
// # Environment
//
// A .env file next to the working directory is loaded before the config is
// read (LoadDotEnv). Values in the config can then reference variables:
//
//	auth:
//	  token:
//	    secret: "${COMCENTER_TOKEN_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	servers:
//	  - type: tcp            # tcp, tls, http, https, grpc
//	    addr: "0.0.0.0:7000"
//	  - type: https
//	    addr: "0.0.0.0:7443"
//	    cert_file: /etc/comcenter/cert.pem
//	    key_file: /etc/comcenter/key.pem
//
//	database:
//	  driver: sqlite         # sqlite, postgres
//	  path: /var/lib/comcenter/users.db
//
//	auth:
//	  token:
//	    secret: "${COMCENTER_TOKEN_SECRET}"
//	    algorithm: HS256     # HS256, HS384, HS512
//	    expires_in: 24h
//
//	networks:
//	  - name: Chat
//	    type: matrix
//	    matrix:
//	      homeserver: https://matrix.example.org
//	  - name: Home
//	    type: home
//	    home:
//	      addr: localhost:6379
//
// limits, http, tailscale, logging and metrics are optional and have
// defaults.
package config
