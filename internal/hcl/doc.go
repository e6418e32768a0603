// Package hcl provides the HCL implementation of config.Loader. It handles
// file discovery, decoding with gohcl and translation into the
// format-agnostic model. Engine settings blocks are evaluated to cty values
// and serialized as JSON for the initialization handshake.
package hcl
