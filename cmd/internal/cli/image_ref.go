// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package cli

import "github.com/eth-cscs/sarus/pkg/image"

func parseImageReferenceArg(s string) (image.Reference, error) {
	ref, err := image.ParseReference(s)
	if err != nil {
		return image.Reference{}, err
	}
	return ref.Normalize(), nil
}
