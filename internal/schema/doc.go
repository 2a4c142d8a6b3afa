// Package schema defines the runtime collection model: field kinds,
// constraints, typed values, and compiled validators.
//
// This package contains type definitions and pure validation logic only.
// All other internal packages import schema; schema imports nothing internal.
// This ensures the data model remains the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - Field kind is a closed tagged variant; validators and storage encoders
//     dispatch over the kind tag, never over open-ended dynamic types.
//   - Value is a sealed interface; only the types in this package implement it.
//   - Validators are compiled once per collection version and reused by every
//     subsequent write.
package schema
