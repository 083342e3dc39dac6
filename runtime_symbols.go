// Completion: 100% - Runtime and libc allow-lists complete
package main

// The sox runtime library API surface. References to these names are legal
// even when no loaded object defines them: they resolve from the runtime
// archive at link time or from the process at load time.
var runtimeSymbols = map[string]bool{
	"sox_runtime_init":     true,
	"sox_runtime_shutdown": true,
	"sox_alloc":            true,
	"sox_realloc":          true,
	"sox_free":             true,
	"sox_print_int":        true,
	"sox_print_float":      true,
	"sox_print_str":        true,
	"sox_print_bool":       true,
	"sox_print_newline":    true,
	"sox_str_new":          true,
	"sox_str_concat":       true,
	"sox_str_compare":      true,
	"sox_str_len":          true,
	"sox_int_pow":          true,
	"sox_float_pow":        true,
	"sox_float_mod":        true,
	"sox_int_div":          true,
	"sox_int_mod":          true,
	"sox_array_new":        true,
	"sox_array_get":        true,
	"sox_array_set":        true,
	"sox_array_len":        true,
	"sox_panic":            true,
}

// Standard C library symbols satisfied by the system at load time.
var libcSymbols = map[string]bool{
	// memory
	"malloc": true, "calloc": true, "realloc": true, "free": true,
	"memcpy": true, "memset": true, "memmove": true, "memcmp": true,
	// strings
	"strlen": true, "strcmp": true, "strncmp": true, "strcpy": true,
	"strncpy": true, "strcat": true, "strchr": true, "strstr": true,
	"snprintf": true, "sprintf": true,
	// stdio
	"printf": true, "fprintf": true, "puts": true, "putchar": true,
	"fputs": true, "fwrite": true, "fread": true, "fflush": true,
	"fopen": true, "fclose": true, "stdout": true, "stderr": true,
	// math
	"pow": true, "sqrt": true, "fmod": true, "floor": true, "ceil": true,
	"fabs": true, "sin": true, "cos": true, "tan": true, "log": true,
	"exp": true, "round": true, "trunc": true,
	// process
	"exit": true, "abort": true, "atexit": true,
	// TLS bootstrap
	"__tls_get_addr": true, "_tlv_bootstrap": true,
}

// isExternalSymbol reports whether an undefined reference may legally stay
// unresolved at link time.
func isExternalSymbol(name string) bool {
	return runtimeSymbols[name] || libcSymbols[name]
}
